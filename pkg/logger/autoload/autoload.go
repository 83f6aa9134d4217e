// Package autoload initializes the global zerolog logger from the LOG_*
// environment on import:
//
//	import _ "github.com/tanpawarit/scenago/pkg/logger/autoload"
package autoload

import (
	configx "github.com/tanpawarit/scenago/pkg/config"
	logx "github.com/tanpawarit/scenago/pkg/logger"
)

func init() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))
}

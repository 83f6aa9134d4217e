package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// SimulatedPortal mimics the room-booking web portal for local runs and
// tests. Failures can be scripted per capability to exercise the recovery
// path: FailNext(name, n) makes the next n invocations of that capability
// hard-fail.
type SimulatedPortal struct {
	mu             sync.Mutex
	loggedIn       bool
	page           string
	availableRooms []string
	bookedRooms    []string
	failures       map[string]int
	validUsers     map[string]string
}

func NewSimulatedPortal() *SimulatedPortal {
	return &SimulatedPortal{
		page:           "landing",
		availableRooms: []string{"1404", "1405", "1413"},
		failures:       make(map[string]int),
		validUsers:     map[string]string{"agent": "agent-password"},
	}
}

// FailNext scripts n consecutive hard failures for the named capability.
func (p *SimulatedPortal) FailNext(capabilityName string, n int) {
	p.mu.Lock()
	p.failures[capabilityName] = n
	p.mu.Unlock()
}

// SetAvailableRooms overrides the room inventory.
func (p *SimulatedPortal) SetAvailableRooms(rooms []string) {
	p.mu.Lock()
	p.availableRooms = append([]string(nil), rooms...)
	p.mu.Unlock()
}

func (p *SimulatedPortal) consumeFailure(name string) bool {
	if left, ok := p.failures[name]; ok && left > 0 {
		p.failures[name] = left - 1
		return true
	}
	return false
}

// Registry builds a capability registry over the portal.
func (p *SimulatedPortal) Registry() (*Registry, error) {
	r, err := NewRegistry(
		Capability{
			Name:        "portal.login",
			Description: "Authenticate against the booking portal. Inputs: username, password.",
			Fn:          p.login,
		},
		Capability{
			Name:        "portal.navigate",
			Description: "Navigate to a portal section. Inputs: section (e.g. 'booking').",
			Fn:          p.navigate,
		},
		Capability{
			Name:        "portal.fetch_rooms",
			Description: "List rooms available for the given date/building. Inputs: date, building.",
			Fn:          p.fetchRooms,
		},
		Capability{
			Name:        "portal.fill_booking_form",
			Description: "Fill the booking form. Inputs: rooms, date, start_time, end_time, event_name.",
			Fn:          p.fillForm,
		},
		Capability{
			Name:        "portal.submit_booking",
			Description: "Submit the filled booking form and confirm the reservation.",
			Fn:          p.submit,
		},
	)
	if err != nil {
		return nil, err
	}
	return r.WithStateDescriber(p.describeState), nil
}

func (p *SimulatedPortal) describeState(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("page=%s logged_in=%t available_rooms=%v booked_rooms=%v",
		p.page, p.loggedIn, p.availableRooms, p.bookedRooms)
}

func (p *SimulatedPortal) login(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumeFailure("portal.login") {
		return nil, fmt.Errorf("portal returned 503 on login")
	}
	username, _ := inputs["username"].(string)
	password, _ := inputs["password"].(string)
	expected, known := p.validUsers[username]
	if !known || expected != password {
		// Wrong credentials are not a transport error: the portal answers,
		// the predicate fails, and recovery decides what to do.
		p.loggedIn = false
		return map[string]any{"logged_in": false, "message": "invalid credentials"}, nil
	}
	p.loggedIn = true
	p.page = "home"
	log.Debug().Str("username", username).Msg("portal login ok")
	return map[string]any{"logged_in": true}, nil
}

func (p *SimulatedPortal) navigate(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumeFailure("portal.navigate") {
		return nil, fmt.Errorf("navigation timeout")
	}
	if !p.loggedIn {
		return nil, fmt.Errorf("not logged in")
	}
	section, _ := inputs["section"].(string)
	if strings.TrimSpace(section) == "" {
		return nil, fmt.Errorf("section is required")
	}
	p.page = section
	return map[string]any{"page": section}, nil
}

func (p *SimulatedPortal) fetchRooms(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumeFailure("portal.fetch_rooms") {
		return nil, fmt.Errorf("room listing request failed")
	}
	if p.page != "booking" {
		return nil, fmt.Errorf("booking page is not open")
	}
	rooms := make([]any, 0, len(p.availableRooms))
	for _, r := range p.availableRooms {
		rooms = append(rooms, r)
	}
	return map[string]any{"available_rooms": rooms}, nil
}

func (p *SimulatedPortal) fillForm(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumeFailure("portal.fill_booking_form") {
		return nil, fmt.Errorf("form element not found")
	}
	if p.page != "booking" {
		return nil, fmt.Errorf("booking page is not open")
	}
	rooms := toStrings(inputs["rooms"])
	if len(rooms) == 0 {
		return map[string]any{"form_complete": false, "message": "no rooms requested"}, nil
	}
	for _, want := range rooms {
		if !contains(p.availableRooms, want) {
			return map[string]any{
				"form_complete": false,
				"message":       fmt.Sprintf("room %s is not available", want),
			}, nil
		}
	}
	p.bookedRooms = rooms
	return map[string]any{"form_complete": true, "rooms": inputs["rooms"]}, nil
}

func (p *SimulatedPortal) submit(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumeFailure("portal.submit_booking") {
		return nil, fmt.Errorf("submit request timed out")
	}
	if len(p.bookedRooms) == 0 {
		return map[string]any{"confirmed": false, "message": "form is empty"}, nil
	}
	booked := make([]any, 0, len(p.bookedRooms))
	for _, r := range p.bookedRooms {
		booked = append(booked, r)
	}
	return map[string]any{"confirmed": true, "booked_rooms": booked}, nil
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

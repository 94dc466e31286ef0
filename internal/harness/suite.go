package harness

import (
	"fmt"

	"github.com/roach88/roomcheck/internal/config"
)

// Skipped names a built-in scenario that could not run with the given
// configuration.
type Skipped struct {
	Name   string
	Reason string
}

// DefaultSuite builds the built-in scenarios for cfg. It needs at least
// two users; the first two users and the first room carry most scenarios.
// Without configured rooms, room "1" is used. Scenario expectations follow
// cfg.Echo.
func DefaultSuite(cfg *config.Config) ([]*Scenario, []Skipped, error) {
	if len(cfg.Users) < 2 {
		return nil, nil, fmt.Errorf("the built-in suite needs at least 2 users, got %d", len(cfg.Users))
	}
	a, b := cfg.Users[0].Name, cfg.Users[1].Name
	room := "1"
	if len(cfg.Rooms) > 0 {
		room = cfg.Rooms[0].Name
	}
	echo := cfg.Echo

	// perUser is the deliveries each room member sees for n sends by
	// others and own sends by itself.
	perUser := func(others, own int) int {
		if echo {
			return others + own
		}
		return others
	}

	joinBoth := []Step{
		{Action: ActionConnectAll},
		{Action: ActionJoin, User: a, Room: room},
		{Action: ActionJoin, User: b, Room: room},
	}
	with := func(steps ...Step) []Step {
		return append(append([]Step{}, joinBoth...), steps...)
	}
	intp := func(n int) *int { return &n }

	suite := []*Scenario{
		{
			Name:        "basic_exchange",
			Description: "Two users in one room exchange a message each.",
			Steps: with(
				Step{Action: ActionSend, User: a, Content: "Hello"},
				Step{Action: ActionSend, User: b, Content: "Hi"},
			),
			Expect: &Expect{
				Sends:      intp(2),
				Deliveries: map[string]int{a: perUser(1, 1), b: perUser(1, 1)},
				Receives:   []ContentExpectation{{User: a, Content: "Hi"}, {User: b, Content: "Hello"}},
			},
		},
		{
			Name:        "rapid_fire_ordering",
			Description: "One user sends five messages back to back; the other must see them in order.",
			Steps: with(Step{Action: ActionSendConcurrent, Batch: []BatchItem{
				{User: a, Content: "Rapid message 1"},
				{User: a, Content: "Rapid message 2"},
				{User: a, Content: "Rapid message 3"},
				{User: a, Content: "Rapid message 4"},
				{User: a, Content: "Rapid message 5"},
			}}),
			Expect: &Expect{
				Sends:      intp(5),
				Deliveries: map[string]int{a: perUser(0, 5), b: perUser(5, 0)},
			},
		},
		{
			Name:        "leave_and_rejoin",
			Description: "A member who left misses messages and gets only new ones after rejoining.",
			Steps: with(
				Step{Action: ActionLeave, User: a, Room: room},
				Step{Action: ActionSend, User: b, Content: "X"},
				Step{Action: ActionJoin, User: a, Room: room},
				Step{Action: ActionSend, User: b, Content: "Y"},
			),
			Expect: &Expect{
				Sends:       intp(2),
				Deliveries:  map[string]int{a: 1, b: perUser(0, 2)},
				Receives:    []ContentExpectation{{User: a, Content: "Y"}},
				NotReceives: []ContentExpectation{{User: a, Content: "X"}},
			},
		},
		{
			Name:        "concurrent_burst",
			Description: "Two users each send three messages at once.",
			Steps: with(Step{Action: ActionSendConcurrent, Batch: []BatchItem{
				{User: a, Content: a + " concurrent 1"},
				{User: b, Content: b + " concurrent 1"},
				{User: a, Content: a + " concurrent 2"},
				{User: b, Content: b + " concurrent 2"},
				{User: a, Content: a + " concurrent 3"},
				{User: b, Content: b + " concurrent 3"},
			}}),
			Expect: &Expect{
				Sends:      intp(6),
				Deliveries: map[string]int{a: perUser(3, 3), b: perUser(3, 3)},
			},
		},
	}

	var skipped []Skipped
	if len(cfg.Users) < 3 || len(cfg.Rooms) < 2 {
		skipped = append(skipped, Skipped{
			Name:   "multi_room_isolation",
			Reason: "needs at least 3 users and 2 rooms",
		})
	} else {
		c, other := cfg.Users[2].Name, cfg.Rooms[1].Name
		suite = append(suite, &Scenario{
			Name:        "multi_room_isolation",
			Description: "Messages in one room never reach members of another.",
			Steps: []Step{
				{Action: ActionConnectAll},
				{Action: ActionJoin, User: a, Room: room},
				{Action: ActionJoin, User: b, Room: room},
				{Action: ActionJoin, User: c, Room: other},
				{Action: ActionSend, User: a, Content: "Room 1 message"},
				{Action: ActionSend, User: c, Content: "Room 2 message"},
			},
			Expect: &Expect{
				Sends:       intp(2),
				Receives:    []ContentExpectation{{User: b, Content: "Room 1 message"}},
				NotReceives: []ContentExpectation{{User: a, Content: "Room 2 message"}, {User: b, Content: "Room 2 message"}, {User: c, Content: "Room 1 message"}},
			},
		})
	}

	for _, sc := range suite {
		if err := validateScenario(sc); err != nil {
			return nil, nil, fmt.Errorf("built-in scenario %s: %w", sc.Name, err)
		}
	}
	return suite, skipped, nil
}

// Package harness drives scenarios against a chat server and verifies
// what every simulated user received.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: leave_and_rejoin
//	description: "A member who left misses messages"
//	echo: true          # optional, overrides the config
//	timeout: 10s        # optional, overrides the config
//	steps:
//	  - action: connect_all
//	  - action: join
//	    user: alice
//	    room: lobby
//	  - action: leave
//	    user: alice
//	    room: lobby
//	    settle: 200ms
//	  - action: send
//	    user: bob
//	    content: "X"
//	  - action: send_concurrent
//	    batch:
//	      - { user: alice, content: "a1" }
//	      - { user: bob, content: "b1" }
//	  - action: wait
//	    duration: 1s
//	expect:
//	  sends: 3
//	  not_receives:
//	    - { user: alice, content: "X" }
//
// Rooms are referred to by their configured name; anything else is used
// as a literal room ID.
//
// # Execution
//
// Steps run in order. After each step the runner pauses for the step's
// settle window (the configured default when unset) so deliveries can
// arrive. A send_concurrent step hands every user's messages to the
// transport at once and waits only for the writes, not for deliveries.
//
// Problems never stop the run. A step aimed at a user without an open
// connection is recorded as a scenario fault; a user whose connection
// failed has its steps skipped until it connects again. When the
// scenario deadline passes, every connection is closed, a timeout fault
// is recorded, and the partial logs are verified anyway.
package harness

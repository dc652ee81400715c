// Package nwse provides a Go implementation of NWSE, a neuroevolution
// cognitive architecture in which evolved networks learn inference rules
// from experience and plan actions with them.
//
// A genome describes a network of receptors (sensors, gestures and action
// channels), handler nodes that derive features with a named function,
// inference nodes that relate a variable to lagged conditions, and effectors
// that drive the action channels. Networks accumulate inference records while
// they act; evolution keeps the genes whose records prove reliable and drifts
// them through the lineage tree.
//
// Basic usage:
//
//	// Load configuration
//	config, err := nwse.LoadConfig("path/to/config.ini")
//	if err != nil {
//		log.Fatalf("Error loading config: %v", err)
//	}
//
//	// Create a session over an evolution.Environment
//	session, err := evolution.NewSession(config, env, evolution.SessionOptions{Logger: logger})
//	if err != nil {
//		log.Fatalf("Error creating session: %v", err)
//	}
//
//	// Run for the configured number of generations
//	if err := session.Run(ctx, config.Session.Generations); err != nil {
//		log.Fatalf("Error running session: %v", err)
//	}
//	fmt.Println(session.Best.Genome)
package nwse

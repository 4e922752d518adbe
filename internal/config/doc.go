// Package config provides configuration management for the CI engine.
//
// Configuration is loaded from environment variables using the env package,
// after an optional .env file. All values have defaults suitable for running
// a single node with in-memory backends.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config

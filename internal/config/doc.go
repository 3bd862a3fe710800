// Package config loads and validates the deltacast YAML configuration file.
//
// One file configures both ends of a stream:
//
//	sender:
//	  listen: ":9400"
//	  admin: ":9401"
//	  fps: 60
//	  chroma: none
//	  split_size: 100KiB
//	receiver:
//	  connect: "127.0.0.1:9400"
//	  snapshot:
//	    dir: ./snapshots
//	    interval: 10s
//	log:
//	  level: info
//	  format: text
//
// Durations use Go syntax ("250ms", "5s") and sizes accept humanized units
// ("4MiB", "100KB"). Keys left out keep their defaults. Watch reloads the
// file when it changes so a running sender can pick up a new frame rate or
// chroma setting.
package config

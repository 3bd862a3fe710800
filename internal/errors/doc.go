// Package errors provides structured, actionable error messages for the
// deltacast command line.
//
// Each error carries a stable code, a category, a one-line message, an
// optional longer explanation and a hint on how to fix it. Configuration
// errors may also point at the offending line of the YAML file.
//
// # Usage
//
//	err := errors.New("D102").
//	    WithDetail("sender.fps must be between 1 and 240").
//	    WithLocation("deltacast.yaml", 4, 0).
//	    WithSuggestion("Use a frame rate such as 30 or 60")
//
//	fmt.Fprint(os.Stderr, err.Format())
//	// Output:
//	// ERROR D102: Invalid configuration value
//	//
//	//   deltacast.yaml:4
//	//
//	//       2 │ sender:
//	//       3 │   address: ":9400"
//	//   →   4 │   fps: 0
//	//       5 │   chroma: none
//	//
//	//   sender.fps must be between 1 and 240
//	//
//	//   Hint: Use a frame rate such as 30 or 60
package errors

// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/claudeflow/claudeflow/cmd/claude-flow/internal/rollback"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments and
	// prints its own message for unknown commands or bad flags; handlers
	// exit themselves with the operation's code.
	if err := rootCmd.Execute(); err != nil {
		os.Exit(rollback.ExitBadArgs)
	}
}

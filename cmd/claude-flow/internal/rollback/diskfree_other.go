// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build !unix

package rollback

// freeDiskBytes is unavailable on this platform; callers downgrade the
// free-space check to a skipped note.
func freeDiskBytes(path string) (free int64, ok bool) {
	return 0, false
}

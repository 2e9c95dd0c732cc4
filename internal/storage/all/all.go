// Package all registers every storage backend.
package all

import (
	_ "claimprep/internal/storage/mssql"
	_ "claimprep/internal/storage/postgres"
	_ "claimprep/internal/storage/sqlite"
)

// Copyright 2024-2026 Aiku AI

// Package upgrades contains the bridge database schema migrations.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is the upgrade table used by the bridge database.
var Table dbutil.UpgradeTable

//go:embed *.sql
var rawUpgrades embed.FS

func init() {
	Table.RegisterFS(rawUpgrades)
}

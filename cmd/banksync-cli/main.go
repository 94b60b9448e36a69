package main

import (
	"context"
	"fmt"
	"os"

	"banksync-backend/cmd/banksync-cli/commands"
	"banksync-backend/internal/configutil"
	"banksync-backend/internal/telemetry"
)

func main() {
	if err := configutil.LoadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	telemetry.InitSlog(false)
	commands.ExecuteContext(context.Background())
}

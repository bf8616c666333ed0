package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"digestbot/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil {
		var ee *cli.ExitError
		if !errors.As(err, &ee) || ee.Message != "" {
			fmt.Fprintln(os.Stderr, "digestbot:", err)
		}
	}
	os.Exit(cli.ExitCode(err))
}

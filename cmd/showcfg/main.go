package main

import (
	"fmt"
	"os"

	"seqasr/internal/config"

	"github.com/pelletier/go-toml/v2"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: showcfg <hparams.toml> [key=value ...]")
		os.Exit(2)
	}
	cfg, err := config.Load(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("# resolved from %s\n%s", cfg.Paths.HParamsPath, out)
}

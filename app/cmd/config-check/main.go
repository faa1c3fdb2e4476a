package main

import (
	"flag"
	"fmt"
	"os"

	config "korkibot/app/configs"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to runtime config json")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config check failed: load config: %v\n", err)
		os.Exit(2)
	}

	problems := config.Validate(cfg)
	if len(problems) > 0 {
		fmt.Fprintf(os.Stderr, "config check failed; config=%s\n", *configPath)
		for _, problem := range problems {
			fmt.Fprintf(os.Stderr, " - %s\n", problem)
		}
		os.Exit(1)
	}

	fmt.Printf("config check passed; config=%s pages=%d store=%s\n", *configPath, len(cfg.Pages), cfg.Store.Driver)
}

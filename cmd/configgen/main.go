package main

import (
	"flag"
	"log"
	"os"

	"github.com/danmuck/rtpscore/internal/config"
)

const defaultPath = "cmd/rtpsd/config.toml"

func main() {
	kind := flag.String("kind", "rtpsd", "config kind: rtpsd")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	effective := flag.Bool("effective", false, "with -validate, print the config after defaults are applied")
	input := flag.String("input", "", "config path for validation (defaults to "+defaultPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if _, err := config.Template(*kind); err != nil {
		log.Fatal(err)
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		cfg, err := config.LoadEngineConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (%d readers, %d writers)", *kind, path, len(cfg.Readers), len(cfg.Writers))
		if *effective {
			data, err := config.Encode(cfg)
			if err != nil {
				log.Fatal(err)
			}
			os.Stdout.Write(data)
		}
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/loqalabs/loqa-scribe/internal/models"
)

var version = "0.1.0-dev"

func main() {
	var catalogPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&catalogPath, "file", "models.yaml", "Path to model catalog")
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listCmd.StringVar(&catalogPath, "file", "models.yaml", "Path to model catalog")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'list' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := loadCatalog(catalogPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("catalog valid")
	case "list":
		listCmd.Parse(os.Args[2:])
		c, err := loadCatalog(catalogPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printCatalog(c)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func loadCatalog(path string) (models.Catalog, error) {
	c, err := models.LoadCatalog(path)
	if err != nil {
		return models.Catalog{}, err
	}
	return c, c.Validate()
}

func printCatalog(c models.Catalog) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATH\tPRESENT")
	for _, m := range c.Models {
		present := "no"
		if _, err := os.Stat(m.Path); err == nil {
			present = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Path, present)
	}
	w.Flush()
}

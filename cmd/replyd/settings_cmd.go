package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/mattjoyce/replyd/internal/settings"
	"github.com/mattjoyce/replyd/internal/storage"
)

// openSettings loads the config and opens the settings store without a
// cache, so reads reflect the database.
func openSettings(common *commonFlags) (*settings.Store, *sql.DB, error) {
	cfg, err := common.load()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return settings.NewStore(db, 0), db, nil
}

func runSettingsList(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	store, db, err := openSettings(&common)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	all, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tUPDATED")
	for _, s := range all {
		fmt.Fprintf(tw, "%s\t%q\t%s\n", s.Key, s.Value, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
	return 0
}

func runSettingsGet(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: replyd settings get <key>")
		return 1
	}

	store, db, err := openSettings(&common)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	value, ok, err := store.Get(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "%s is not set\n", fs.Arg(0))
		return 1
	}
	fmt.Println(value)
	return 0
}

func runSettingsSet(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: replyd settings set <key> <value>")
		return 1
	}
	key, value := fs.Arg(0), fs.Arg(1)
	if !knownSetting(key) {
		fmt.Fprintf(os.Stderr, "Unknown setting %q (known: %v)\n", key, settings.Known())
		return 1
	}

	if key == settings.KeyWelcomeDMDelay {
		if n, err := strconv.Atoi(value); err != nil || n < 0 {
			fmt.Fprintf(os.Stderr, "%s must be a whole number of minutes\n", key)
			return 1
		}
	}

	store, db, err := openSettings(&common)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := store.Set(context.Background(), key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Set %s\n", key)
	return 0
}

func knownSetting(key string) bool {
	for _, k := range settings.Known() {
		if k == key {
			return true
		}
	}
	return false
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"voxelcrew.ai/internal/auth"
	"voxelcrew.ai/internal/persistence/indexdb"
	persistlog "voxelcrew.ai/internal/persistence/log"
	"voxelcrew.ai/internal/sim/tuning"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "status":
			statusCmd(os.Args[2:])
			return
		case "reset":
			resetCmd(os.Args[2:])
			return
		case "token":
			tokenCmd(os.Args[2:])
			return
		case "tuning":
			tuningCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dir := fs.String("dir", "./data/audit", "audit file directory")
	_ = fs.Parse(args)

	files, err := persistlog.AuditFiles(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			continue
		}
		fmt.Printf("%s\t%d\n", filepath.Base(f), st.Size())
	}
}

// dbCmd queries the audit index: counts (default), context <id>, or
// transitions <agent>.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/audit/index.sqlite", "sqlite audit index path")
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)

	q := "counts"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	switch q {
	case "counts":
		counts, err := idx.CountByType(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("%s\t%d\n", t, counts[t])
		}
	case "context":
		if fs.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: admin db context <id>")
			os.Exit(2)
		}
		recs, err := idx.ByContext(ctx, fs.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for i, r := range recs {
			if i >= *limit {
				break
			}
			_ = enc.Encode(r)
		}
	case "transitions":
		if fs.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: admin db transitions <agent>")
			os.Exit(2)
		}
		trs, err := idx.Transitions(ctx, fs.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for i, tr := range trs {
			if i >= *limit {
				break
			}
			fmt.Printf("%s\t%s -> %s\t(%s)\t%s\n", tr.At.Format(time.RFC3339Nano), tr.Previous, tr.State, tr.Trigger, tr.Reason)
		}
	case "tuning":
		d, err := idx.TuningDigest(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		fmt.Println(d)
	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (counts|context|transitions|tuning)\n", q)
		os.Exit(2)
	}
}

// tokenCmd mints a control token signed with the configured secret.
func tokenCmd(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", "", "HS256 secret (or set VOXELCREW_JWT_SECRET)")
	sub := fs.String("sub", "operator", "principal name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	s := strings.TrimSpace(*secret)
	if s == "" {
		s = strings.TrimSpace(os.Getenv("VOXELCREW_JWT_SECRET"))
	}
	if s == "" {
		fmt.Fprintln(os.Stderr, "missing -secret")
		os.Exit(2)
	}
	tok, err := auth.NewJWTVerifier([]byte(s)).Generate(*sub, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

// tuningCmd prints the effective configuration after defaults are applied.
func tuningCmd(args []string) {
	fs := flag.NewFlagSet("tuning", flag.ExitOnError)
	path := fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml or tuning.toml")
	_ = fs.Parse(args)

	t, err := tuning.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid:", err)
		os.Exit(1)
	}
	t.Control.JWTSecret = redact(t.Control.JWTSecret)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(t)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

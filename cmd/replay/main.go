package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/observerproto"
	persistlog "voxelcrew.ai/internal/persistence/log"
	"voxelcrew.ai/internal/protocol"
)

func main() {
	var (
		dir     = flag.String("dir", "./data/audit", "directory containing audit-*.jsonl.zst (ignored when files are given)")
		types   = flag.String("type", "", "comma-separated message types to show")
		context = flag.String("context", "", "only show this workflow context")
		agentID = flag.String("agent", "", "only show messages from or to this agent")
		summary = flag.Bool("summary", false, "print counts per type instead of records")
		noColor = flag.Bool("no_color", false, "disable colour")
	)
	flag.Parse()
	if *noColor {
		color.NoColor = true
	}

	files := flag.Args()
	if len(files) == 0 {
		var err error
		files, err = persistlog.AuditFiles(*dir)
		if err != nil {
			color.Red("list audit files: %v\n", err)
			os.Exit(1)
		}
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no audit files found in", *dir)
		os.Exit(1)
	}

	filter := observerproto.SubscribeMsg{Context: *context, Agent: *agentID}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.Types = append(filter.Types, t)
		}
	}

	r := &replayer{out: os.Stdout, filter: filter, counts: map[string]int{}, summary: *summary}
	for _, path := range files {
		if err := persistlog.ScanAuditFile(path, r.record); err != nil {
			color.Red("replay %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	if *summary {
		r.printSummary()
	}
}

type replayer struct {
	out     io.Writer
	filter  observerproto.SubscribeMsg
	summary bool

	shown  int
	counts map[string]int
	faults int
}

var (
	dim     = color.New(color.Faint)
	cyan    = color.New(color.FgCyan)
	blue    = color.New(color.FgBlue)
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	magenta = color.New(color.FgMagenta)
	red     = color.New(color.FgRed)
	build   = color.New(color.FgHiGreen, color.Bold)
)

func colorFor(typ string) *color.Color {
	switch {
	case protocol.IsControl(typ):
		return yellow
	case typ == protocol.TypeMap:
		return cyan
	case typ == protocol.TypeRequirements:
		return blue
	case typ == protocol.TypeInventory:
		return green
	case typ == protocol.TypeBuild:
		return build
	case typ == protocol.TypeAgentState, typ == protocol.TypeAgentStatus:
		return magenta
	}
	return color.New(color.Reset)
}

func (r *replayer) record(rec bus.AuditRecord) error {
	if !r.filter.Matches(rec) {
		return nil
	}
	env := rec.Envelope
	r.shown++
	r.counts[env.Type]++
	r.faults += len(rec.Faults)
	if r.summary {
		return nil
	}

	target := env.Target
	if target == "" {
		target = protocol.Broadcast
	}
	ctx := env.Context
	if len(ctx) > 8 {
		ctx = ctx[:8]
	}
	dim.Fprintf(r.out, "%6d %s ", rec.Seq, env.Timestamp.UTC().Format("15:04:05.000"))
	colorFor(env.Type).Fprintf(r.out, "%-28s", env.Type)
	fmt.Fprintf(r.out, " %s -> %s", env.Source, target)
	if ctx != "" {
		dim.Fprintf(r.out, " ctx=%s", ctx)
	}
	fmt.Fprintf(r.out, " %s", env.Payload)
	if len(rec.Recipients) > 0 {
		dim.Fprintf(r.out, " => %s", strings.Join(rec.Recipients, ","))
	}
	fmt.Fprintln(r.out)
	for _, f := range rec.Faults {
		red.Fprintf(r.out, "       fault: %s\n", f)
	}
	return nil
}

func (r *replayer) printSummary() {
	types := make([]string, 0, len(r.counts))
	for t := range r.counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		colorFor(t).Fprintf(r.out, "%-28s", t)
		fmt.Fprintf(r.out, " %d\n", r.counts[t])
	}
	fmt.Fprintf(r.out, "records=%d", r.shown)
	if r.faults > 0 {
		red.Fprintf(r.out, " faults=%d", r.faults)
	}
	fmt.Fprintln(r.out)
}

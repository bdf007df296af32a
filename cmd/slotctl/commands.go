package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"

	"github.com/10yihang/slotctl/internal/cluster"
	"github.com/10yihang/slotctl/internal/cluster/state"
)

var errCheckFailed = errors.New("cluster check failed")

func runNodes(w io.Writer, c *cluster.Cluster) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDR\tFLAGS\tSLOTS\tRANGES")
	for _, n := range c.Nodes() {
		self, err := n.Self()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", self.ID, n.Addr(), self.Flags, self.Slots.Len(), self.Slots.Ranges())
	}
	return tw.Flush()
}

func oneAddr(fs *flag.FlagSet, args []string) (cluster.Addr, error) {
	if err := fs.Parse(args); err != nil {
		return cluster.Addr{}, usageError(err.Error())
	}
	if fs.NArg() != 1 {
		return cluster.Addr{}, usageError(fmt.Sprintf("%s: expected host:port", fs.Name()))
	}
	addr, err := cluster.ParseAddr(fs.Arg(0))
	if err != nil {
		return cluster.Addr{}, usageError(err.Error())
	}
	return addr, nil
}

func runAddNode(ctx context.Context, c *cluster.Cluster, args []string) error {
	fs := flag.NewFlagSet("add-node", flag.ContinueOnError)
	noForget := fs.Bool("no-forget-on-error", false, "leave partial handshakes in place on failure")
	addr, err := oneAddr(fs, args)
	if err != nil {
		return err
	}
	return c.AddNode(ctx, addr.Host, addr.Port, cluster.AddNodeOptions{ForgetOnError: !*noForget})
}

func runDelNode(ctx context.Context, c *cluster.Cluster, args []string) error {
	fs := flag.NewFlagSet("del-node", flag.ContinueOnError)
	rebalance := fs.Bool("rebalance", false, "drain the node's slots before removing it")
	addr, err := oneAddr(fs, args)
	if err != nil {
		return err
	}
	return c.DelNode(ctx, addr.Host, addr.Port, cluster.DelNodeOptions{Rebalance: *rebalance})
}

func runMoveSlot(ctx context.Context, c *cluster.Cluster, args []string) error {
	if len(args) != 3 {
		return usageError("move-slot: expected from-host:port to-host:port slot")
	}
	from, err := cluster.ParseAddr(args[0])
	if err != nil {
		return usageError(err.Error())
	}
	to, err := cluster.ParseAddr(args[1])
	if err != nil {
		return usageError(err.Error())
	}
	slot, err := strconv.Atoi(args[2])
	if err != nil || slot < 0 || slot >= 16384 {
		return usageError(fmt.Sprintf("move-slot: invalid slot %q", args[2]))
	}
	return c.MoveSlot(ctx, from.Host, from.Port, to.Host, to.Port, slot)
}

func runRebalance(ctx context.Context, w io.Writer, c *cluster.Cluster, log logr.Logger, args []string) error {
	fs := flag.NewFlagSet("rebalance", flag.ContinueOnError)
	excludeList := fs.String("exclude", "", "comma-separated nodes to drain (host:port)")
	dryRun := fs.Bool("dry-run", false, "print the plan without moving slots")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}

	var exclude []cluster.Addr
	if *excludeList != "" {
		for _, s := range strings.Split(*excludeList, ",") {
			addr, err := cluster.ParseAddr(strings.TrimSpace(s))
			if err != nil {
				return usageError(err.Error())
			}
			exclude = append(exclude, addr)
		}
	}

	if !*dryRun {
		return c.Rebalance(ctx, cluster.RebalanceOptions{Exclude: exclude})
	}

	if err := c.Refresh(ctx); err != nil {
		return err
	}
	plan, err := c.PlanRebalance(exclude)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		log.Info("cluster already balanced")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM\tTO\tSLOTS\tFIRST\tLAST")
	for _, a := range plan {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", a.Source, a.Target, len(a.Slots), a.Slots[0], a.Slots[len(a.Slots)-1])
	}
	return tw.Flush()
}

func runCheck(ctx context.Context, w io.Writer, c *cluster.Cluster) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	r := c.Check()

	if len(r.Unassigned) > 0 {
		fmt.Fprintf(w, "unassigned slots: %d (first %d)\n", len(r.Unassigned), r.Unassigned[0])
	}
	conflicted := sortedKeys(r.Conflicts)
	for _, slot := range conflicted {
		fmt.Fprintf(w, "slot %d claimed by %s\n", slot, strings.Join(r.Conflicts[slot], ", "))
	}
	for _, o := range r.Open {
		fmt.Fprintf(w, "open slot %d on %s: %s %s\n", o.Slot, o.Node, o.State, o.Peer)
	}
	for _, addr := range r.Disagreeing {
		fmt.Fprintf(w, "%s disagrees on slot ownership\n", addr)
	}
	if !r.OK() {
		return errCheckFailed
	}
	fmt.Fprintln(w, "OK: all 16384 slots covered, views agree")
	return nil
}

func runState(w io.Writer, dataDir string) error {
	if dataDir == "" {
		return usageError("state: -data-dir is required")
	}
	st, err := state.Load(dataDir)
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintf(w, "no state saved in %s\n", dataDir)
		return nil
	}

	owned := make(map[string]int)
	for _, id := range st.SlotMap {
		if id != "" {
			owned[id]++
		}
	}

	fmt.Fprintf(w, "saved %s by seed %s\n", st.SavedAt.Format("2006-01-02 15:04:05"), st.SeedID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDR\tROLE\tFLAGS\tSLOTS")
	for _, n := range st.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", n.ID, n.Addr, n.Role, n.Flags, owned[n.ID])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	open := sortedKeys(st.Migrations)
	for _, slot := range open {
		m := st.Migrations[slot]
		fmt.Fprintf(w, "open slot %d: %s %s -> %s\n", slot, m.State, m.SourceNodeID, m.TargetNodeID)
	}
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

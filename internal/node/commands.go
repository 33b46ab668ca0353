package node

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

type command struct {
	usage string
	help  string
	run   func(n *Node, args []string) (string, error)
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"join":       {"join <nodeNum>", "join the ring through a node, or create one by naming this node", (*Node).cmdJoin},
		"leave":      {"leave", "leave the ring and hand documents to the successor", (*Node).cmdLeave},
		"ringstate":  {"ringstate", "log the state of every member around the ring", (*Node).cmdRingState},
		"stable":     {"stable on|off", "log stabilization traffic", (*Node).cmdStable},
		"publish":    {"publish <indexFile>", "index a metadata file and publish its terms", (*Node).cmdPublish},
		"search":     {"search <viaNode> <term>...", "find documents containing every term", (*Node).cmdSearch},
		"print_docs": {"print_docs", "list the documents stored here", (*Node).cmdPrintDocs},
		"ping":       {"ping <nodeNum|*> <message>", "ping one node or every node", (*Node).cmdPing},
		"lookup":     {"lookup <term>", "find the node owning a term", (*Node).cmdLookup},
		"help":       {"help", "list commands", (*Node).cmdHelp},
	}
}

// Execute runs one operator command line on the event loop.
func (n *Node) Execute(ctx context.Context, line string) (string, error) {
	var (
		out string
		err error
	)
	name := commandName(line)
	ctx = context.WithValue(ctx, pkg.CommandKey, name)
	if doErr := n.Do(ctx, func() { out, err = n.exec(line) }); doErr != nil {
		return "", doErr
	}
	n.metrics.Command(name, err)
	if err != nil {
		n.logger.WithContext(ctx).Warn().Err(err).Msg("Command failed")
	}
	return out, err
}

// exec parses and runs line. Loop only.
func (n *Node) exec(line string) (string, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pkg.ErrInvalidCommand, err)
	}
	if len(tokens) == 0 {
		return "", fmt.Errorf("%w: empty command", pkg.ErrInvalidCommand)
	}

	cmd, ok := commands[strings.ToLower(tokens[0])]
	if !ok {
		return "", fmt.Errorf("%w: unknown command %q", pkg.ErrInvalidCommand, tokens[0])
	}
	return cmd.run(n, tokens[1:])
}

func commandName(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	name := strings.ToLower(fields[0])
	if _, ok := commands[name]; !ok {
		return "unknown"
	}
	return name
}

func usageError(name string) error {
	return fmt.Errorf("%w: usage: %s", pkg.ErrInvalidCommand, commands[name].usage)
}

// resolveNode turns an operator supplied node number into a reference.
func (n *Node) resolveNode(arg string) (protocol.NodeRef, error) {
	num, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return protocol.NodeRef{}, fmt.Errorf("%w: bad node number %q", pkg.ErrInvalidCommand, arg)
	}
	addr, err := n.dir.Resolve(uint32(num))
	if err != nil {
		return protocol.NodeRef{}, fmt.Errorf("%w: %w", pkg.ErrInvalidCommand, err)
	}
	return protocol.NewNodeRef(uint32(num), addr), nil
}

func (n *Node) cmdJoin(args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError("join")
	}
	landmark, err := n.resolveNode(args[0])
	if err != nil {
		return "", err
	}
	if err := n.ring.Join(landmark); err != nil {
		return "", err
	}
	if landmark.Equals(n.ring.Self()) {
		return "created a new ring", nil
	}
	return fmt.Sprintf("joining through %s", landmark), nil
}

func (n *Node) cmdLeave(args []string) (string, error) {
	if len(args) != 0 {
		return "", usageError("leave")
	}
	if err := n.ring.Leave(); err != nil {
		return "", err
	}
	return "left the ring", nil
}

func (n *Node) cmdRingState(args []string) (string, error) {
	if len(args) != 0 {
		return "", usageError("ringstate")
	}
	if err := n.ring.RingState(); err != nil {
		return "", err
	}
	s := n.ring.Snapshot()
	return fmt.Sprintf("self=%s\nsuccessor=%s\npredecessor=%s\nfingers=%d\nstored_terms=%d",
		s.Self, s.Successor, s.Predecessor, s.Fingers, len(n.search.Documents())), nil
}

func (n *Node) cmdStable(args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError("stable")
	}
	switch strings.ToLower(args[0]) {
	case "on":
		n.ring.SetStabilizeTrace(true)
		return "stabilization tracing on", nil
	case "off":
		n.ring.SetStabilizeTrace(false)
		return "stabilization tracing off", nil
	default:
		return "", usageError("stable")
	}
}

func (n *Node) cmdPublish(args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError("publish")
	}
	started, err := n.search.PublishFile(args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("publishing %d terms", started), nil
}

func (n *Node) cmdSearch(args []string) (string, error) {
	if len(args) < 2 {
		return "", usageError("search")
	}
	via, err := n.resolveNode(args[0])
	if err != nil {
		return "", err
	}
	txID, err := n.search.Search(via, args[1:])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("search %d sent via %s", txID, via), nil
}

func (n *Node) cmdPrintDocs(args []string) (string, error) {
	if len(args) != 0 {
		return "", usageError("print_docs")
	}
	docs := n.search.PrintDocuments()
	if len(docs) == 0 {
		return "no documents stored", nil
	}
	terms := make([]string, 0, len(docs))
	for term := range docs {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	var b strings.Builder
	for _, term := range terms {
		fmt.Fprintf(&b, "%s: %s\n", term, strings.Join(docs[term], " "))
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func (n *Node) cmdPing(args []string) (string, error) {
	if len(args) < 2 {
		return "", usageError("ping")
	}
	message := strings.Join(args[1:], " ")

	var targets []protocol.NodeRef
	if args[0] == "*" {
		for _, e := range n.dir.Nodes() {
			if e.Num == n.cfg.NodeNum {
				continue
			}
			targets = append(targets, protocol.NewNodeRef(e.Num, e.Addr))
		}
	} else {
		target, err := n.resolveNode(args[0])
		if err != nil {
			return "", err
		}
		targets = append(targets, target)
	}

	lines := make([]string, 0, len(targets))
	for _, target := range targets {
		txID := n.ring.SendPing(target, message)
		lines = append(lines, fmt.Sprintf("ping %d sent to %s", txID, target))
	}
	if len(lines) == 0 {
		return "no other nodes to ping", nil
	}
	return strings.Join(lines, "\n"), nil
}

func (n *Node) cmdLookup(args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError("lookup")
	}
	txID, err := n.search.Lookup(args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("lookup %d started for %q", txID, args[0]), nil
}

func (n *Node) cmdHelp([]string) (string, error) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%-28s %s\n", commands[name].usage, commands[name].help)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// RingState returns a structpb compatible view of the node.
func (n *Node) RingState(ctx context.Context) (map[string]any, error) {
	var state map[string]any
	err := n.Do(ctx, func() { state = n.stateView() })
	return state, err
}

// Fingers returns the finger table as structpb compatible values.
func (n *Node) Fingers(ctx context.Context) ([]any, error) {
	var fingers []any
	err := n.Do(ctx, func() {
		for _, f := range n.ring.Fingers() {
			fingers = append(fingers, map[string]any{
				"index": f.Index,
				"start": f.Start.String(),
				"owner": refView(f.Owner),
			})
		}
	})
	return fingers, err
}

// Documents returns the postings stored on this node.
func (n *Node) Documents(ctx context.Context) (map[string][]string, error) {
	var docs map[string][]string
	err := n.Do(ctx, func() { docs = n.search.Documents() })
	return docs, err
}

func (n *Node) stateView() map[string]any {
	s := n.ring.Snapshot()
	lookups, searches := n.search.Pending()
	unpublished := make([]any, 0)
	for _, term := range n.search.Unpublished() {
		unpublished = append(unpublished, term)
	}
	return map[string]any{
		"self":             refView(s.Self),
		"successor":        refView(s.Successor),
		"predecessor":      refView(s.Predecessor),
		"in_ring":          s.InRing,
		"joining":          s.Joining,
		"finger_count":     s.Fingers,
		"pending_pings":    s.PendingPings,
		"pending_lookups":  lookups,
		"pending_searches": searches,
		"stored_terms":     len(n.search.Documents()),
		"unpublished":      unpublished,
	}
}

func refView(ref protocol.NodeRef) map[string]any {
	if ref.IsZero() {
		return map[string]any{}
	}
	return map[string]any{
		"num":     ref.Num,
		"address": ref.Addr.String(),
		"id":      ref.ID.String(),
	}
}

// Self returns this node's reference. It never changes, so any goroutine
// may call it.
func (n *Node) Self() protocol.NodeRef {
	return n.ring.Self()
}

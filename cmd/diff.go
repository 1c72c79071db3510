package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/fleetwall/internal/nft"
)

// RunDiff compares a host's desired ruleset against its active one.
func RunDiff(args []string) error {
	fs, configFile := newFlagSet("diff")
	hostID := fs.String("host", "", "Host to diff")
	normalize := fs.Bool("normalize", false, "Load the desired ruleset into a scratch netns first (local host, root only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireHost(*hostID); err != nil {
		return err
	}
	ctx := context.Background()

	desired, err := s.ctrl.Compile(ctx, *hostID)
	if err != nil {
		return err
	}
	if *normalize {
		if h, _ := s.cfg.Host(*hostID); !h.Local {
			return fmt.Errorf("-normalize only works for the local host")
		}
		normalized, err := normalizeRuleset(ctx, desired, s.logger)
		if err != nil {
			s.logger.Warn("normalization failed, diffing the compiled ruleset", "error", err)
		} else {
			desired = normalized
		}
	}

	active, err := s.adapter.ReadActiveRuleSet(ctx, *hostID)
	if err != nil {
		return err
	}

	text, changed := unifiedDiff(nft.Render(desired), nft.Render(active))
	if !changed {
		Printer.Println("No changes detected.")
		return nil
	}
	Printer.Printf("Ruleset of %s differs from its desired state:\n", *hostID)
	fmt.Fprint(stdout, text)
	return fmt.Errorf("ruleset differs")
}

func unifiedDiff(desired, active string) (string, bool) {
	desired = stripNoise(desired)
	active = stripNoise(active)
	if desired == active {
		return "", false
	}
	text, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(desired),
		B:        difflib.SplitLines(active),
		FromFile: "Desired",
		ToFile:   "Active",
		Context:  3,
	})
	return text, true
}

// stripNoise drops blank lines and trailing whitespace.
func stripNoise(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n") + "\n"
}

package pipewire

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs a PipeWire command line tool and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const monitorMarker = ":monitor_"

// listPorts returns the output ports of the PipeWire graph
func listPorts(ctx context.Context, run Runner) ([]string, error) {
	output, err := run(ctx, "pw-link", "-o")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// monitorNodes returns the nodes exposing monitor ports, which are the
// output devices a capture stream can follow, in first-seen order.
func monitorNodes(ports []string) []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, port := range ports {
		i := strings.Index(port, monitorMarker)
		if i <= 0 {
			continue
		}
		node := port[:i]
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// findPortDuplicates finds all ports with exactly the same name
func findPortDuplicates(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// validateTarget checks that node exists exactly once in the graph
func validateTarget(node string, ports []string) error {
	if node == "" {
		return nil
	}

	var first string
	for _, port := range ports {
		if strings.HasPrefix(port, node+monitorMarker) {
			first = port
			break
		}
	}
	if first == "" {
		return fmt.Errorf("%w: no monitor ports for %s", ErrUnknownObject, node)
	}

	if duplicates := findPortDuplicates(first, ports); len(duplicates) > 1 {
		return fmt.Errorf("duplicate output devices detected for '%s': %v. Please rename or disable one of them", node, duplicates)
	}
	return nil
}

package cliclient

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/onionmesh/onionmesh/pkg/circuitbldr"
	"github.com/onionmesh/onionmesh/pkg/directory"
	"github.com/onionmesh/onionmesh/pkg/onion"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <target>",
	Short: "Fetch a URL through a freshly built circuit",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	target := args[0]

	green := color.New(color.FgGreen, color.Bold)
	cyan := color.New(color.FgCyan)
	red := color.New(color.FgRed, color.Bold)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ncancelled.")
		cancel()
	}()

	cyan.Printf("Querying directory at %s...\n", DirectoryAddr())
	dirClient := directory.NewClient(DirectoryAddr())
	registry, err := dirClient.Query()
	if err != nil {
		red.Println("failed to query directory")
		return fmt.Errorf("query directory: %w", err)
	}

	hops, err := selectHops(registry, HopCount())
	if err != nil {
		red.Println(err.Error())
		return err
	}

	bar := progressbar.NewOptions(len(hops)+1,
		progressbar.OptionSetDescription("building circuit"),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	circuit, err := circuitbldr.BuildCircuit(ctx, hops)
	if err != nil {
		red.Println("failed to build circuit")
		return fmt.Errorf("build circuit: %w", err)
	}
	bar.Add(len(hops))
	defer func() {
		_ = circuit.Close(ctx)
	}()

	green.Println("Circuit built, fetching...")

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer fetchCancel()

	body, err := circuit.Fetch(fetchCtx, target)
	if err != nil {
		red.Println("fetch failed")
		return fmt.Errorf("fetch: %w", err)
	}
	bar.Add(1)

	fmt.Println()
	green.Println("Done.")
	fmt.Println(string(body))
	return nil
}

// selectHops draws count distinct relays from registry without replacement,
// using a cryptographically secure source so the client's path choice
// cannot be predicted or biased by an observer (§4.3).
func selectHops(registry []onion.Descriptor, count int) ([]onion.Descriptor, error) {
	if len(registry) < count {
		return nil, circuitbldr.ErrNotEnoughRelays
	}

	pool := make([]onion.Descriptor, len(registry))
	copy(pool, registry)

	selected := make([]onion.Descriptor, 0, count)
	for i := 0; i < count; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
		if err != nil {
			return nil, fmt.Errorf("draw hop: %w", err)
		}
		idx := n.Int64()
		selected = append(selected, pool[idx])
		pool[idx] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}
	return selected, nil
}

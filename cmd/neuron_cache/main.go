// neuron_cache inspects and synchronizes the local Neuron compilation
// cache against a hub repository.
//
// Examples:
//
//	neuron_cache -list
//	neuron_cache -cache_dir=/var/tmp/neuron-compile-cache -repo=org/compile-cache -diff
//	neuron_cache -repo=org/compile-cache -pull -prefix=neuronxcc-2.14.227.0
//	neuron_cache -repo=org/compile-cache -push
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/musunita/optimum-neuron/cache"
	"github.com/musunita/optimum-neuron/hub"
)

var (
	flagCacheDir = flag.String("cache_dir", "", "Local cache directory. Defaults to the --cache_dir flag "+
		"in NEURON_CC_FLAGS, or "+cache.DefaultLocation+" if that is not set either.")
	flagRepo = flag.String("repo", "", "Hub repository id (\"owner/name\") to synchronize with. Defaults to "+
		"the "+hub.CacheRepoEnv+" environment variable. Required for -diff, -pull and -push.")

	flagList = flag.Bool("list", false, "List the entries of the local cache.")
	flagAll  = flag.Bool("all", false, "With -list, include bookkeeping files (lock and done markers, "+
		"dot-prefixed files) that are never synchronized.")
	flagDiff = flag.Bool("diff", false, "Compare the local cache with the repository and report entries "+
		"present on only one side. Paths are compared after sanitization, an entry reported on both sides "+
		"points at a sanitization mismatch.")
	flagPull   = flag.Bool("pull", false, "Download the repository entries missing locally.")
	flagPrefix = flag.String("prefix", "", "With -pull, restrict the download to entries under this path "+
		"prefix. Empty pulls everything.")
	flagPush = flag.Bool("push", false, "Upload the local entries missing from the repository.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col > 0 {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if !*flagList && !*flagDiff && !*flagPull && !*flagPush {
		klog.Errorf("Nothing to do: set at least one of -list, -diff, -pull or -push. See 'neuron_cache -help'.")
		os.Exit(1)
	}

	store := must.M1(cache.New(location()))
	if *flagList {
		listEntries(store)
	}
	if !*flagDiff && !*flagPull && !*flagPush {
		return
	}

	sync := cache.NewSynchronizer(store, repository())
	if *flagPull {
		numPulled := must.M1(sync.Pull(*flagPrefix))
		fmt.Printf("Pulled %d file(s) into %q.\n", numPulled, store.Root())
	}
	if *flagPush {
		numPushed := must.M1(sync.Push())
		fmt.Printf("Pushed %d file(s) to %q.\n", numPushed, *flagRepo)
	}
	if *flagDiff {
		reportDiff(sync)
	}
}

// location resolves the local cache directory from the flag or environment.
func location() string {
	if *flagCacheDir != "" {
		return must.M1(cache.ReplaceTildeInDir(*flagCacheDir))
	}
	return cache.LocationFromEnv()
}

// repository resolves the hub repository from the flag or environment.
func repository() hub.Repository {
	if *flagRepo != "" {
		return must.M1(hub.New(*flagRepo))
	}
	repo, err := hub.FromEnv()
	if err != nil {
		klog.Errorf("No repository: set -repo or the %s environment variable. See 'neuron_cache -help'.", hub.CacheRepoEnv)
		os.Exit(1)
	}
	*flagRepo = repo.ID()
	return repo
}

func listEntries(store *cache.Store) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Local cache at %q", store.Root())))
	entries := must.M1(store.List(!*flagAll))
	if len(entries) == 0 {
		fmt.Println("\tEmpty.")
		return
	}
	table := newPlainTable(true)
	table.Row("Entry", "Size")
	var totalSize uint64
	for _, entry := range entries {
		size := uint64(must.M1(os.Stat(must.M1(store.Abs(entry)))).Size())
		totalSize += size
		table.Row(entry, humanize.Bytes(size))
	}
	fmt.Println(table.String())
	fmt.Printf("%s file(s), %s in total.\n", humanize.Comma(int64(len(entries))), humanize.Bytes(totalSize))
}

func reportDiff(sync *cache.Synchronizer) {
	onlyLocal, onlyRemote := must.M2(sync.Diff())
	if len(onlyLocal) == 0 && len(onlyRemote) == 0 {
		fmt.Println("Local cache and repository are synchronized.")
		return
	}
	if len(onlyLocal) > 0 {
		fmt.Println(titleStyle.Render("Only local (would be uploaded by -push)"))
		table := newPlainTable(false)
		for _, entry := range onlyLocal {
			table.Row(entry)
		}
		fmt.Println(table.String())
	}
	if len(onlyRemote) > 0 {
		fmt.Println(titleStyle.Render("Only in the repository"))
		table := newPlainTable(false)
		for _, entry := range onlyRemote {
			table.Row(entry)
		}
		fmt.Println(table.String())
	}
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/MixyLabs/volhud/pkg/volhud"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose   bool
	sendKey   string
	keySocket string
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging audio notifications)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&sendKey, "send-key", "", "send a volume key press (up, down or mute) to a running instance and exit")
	flag.StringVar(&keySocket, "socket", volhud.DefaultKeySocketPath(), "key socket used by --send-key")
	flag.Parse()
}

func main() {
	if sendKey != "" {
		os.Exit(sendKeyAndExit())
	}

	logger, err := volhud.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := volhud.NewVolhud(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create volhud object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		d.SetVersion(versionString)
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize volhud", "error", err)
	}
}

func sendKeyAndExit() int {
	code, err := volhud.ParseKeyCode(sendKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := volhud.SendKeyEvent(keySocket, volhud.NewKeyEvent(code, volhud.KeyPressed)); err != nil {
		fmt.Fprintf(os.Stderr, "send key: %v\n", err)
		return 1
	}

	return 0
}

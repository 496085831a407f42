package cli

import (
	"bytes"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs an interactive prompt on a terminal; with stdin
// redirected it replays each input line through exec instead.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionTitle(tag),
			prompt.OptionPrefix("> "),
		).Run()
	} else {
		stdinAll, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		for _, lineb := range bytes.Split(stdinAll, []byte{'\n'}) {
			line := string(bytes.TrimSpace(lineb))
			if line == "" {
				continue
			}
			exec(line)
		}
	}
}

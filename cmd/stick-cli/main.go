// Interactive console for the radio stick. Bypasses the gateway,
// talks straight to the dispatcher. Useful for pairing channels
// and poking misbehaving hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/shutterbus/funkgw/helpers/cli"
	"github.com/shutterbus/funkgw/stick"
)

const usage = `syntax: commands separated by whitespace
- check       query learned channels
- info N      request status of channel N
- send N ACT  transmit action ACT to channel N (top,bottom,stop,intermediate,tilt)
- sN          pause N seconds
- log=yes|no  toggle debug logging
`

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func main() {
	flagDevice := flag.String("device", "/dev/ttyUSB0", "serial device path")
	flagBaud := flag.Int("baud", 9600, "")
	flagTimeout := flag.Duration("timeout", 5*time.Second, "response timeout")
	flagDelay := flag.Duration("delay", 500*time.Millisecond, "inter-command delay")
	flag.Parse()

	port := stick.NewSerialPort()
	if err := port.Open(*flagDevice, *flagBaud); err != nil {
		log.Fatal().Msg(errors.ErrorStack(err))
	}
	defer port.Close()

	d := stick.NewDispatcher(port, stick.Config{
		ResponseTimeout: *flagTimeout,
		CommandDelay:    *flagDelay,
		Log:             log,
		OnStatus: func(channel int, status byte) {
			fmt.Printf("< channel=%d status=%02x (%s)\n",
				channel, status, stick.DecodeStatus(stick.DeviceDrive, status))
		},
	})
	if err := d.Start(); err != nil {
		log.Fatal().Msg(errors.ErrorStack(err))
	}
	defer d.Stop()

	cli.MainLoop("stick-cli", func(line string) { execLine(d, line) }, newCompleter())
}

func execLine(d *stick.Dispatcher, line string) {
	for _, word := range strings.Fields(line) {
		if err := execWord(d, word, line); err != nil {
			log.Error().Msgf("word=%s err=%s", word, errors.ErrorStack(err))
			break
		}
	}
}

func execWord(d *stick.Dispatcher, word, line string) error {
	ctx := context.Background()
	switch {
	case word == "help":
		fmt.Print(usage)
		return nil
	case word == "check":
		channels, err := d.CheckLearnedChannels(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Printf("learned=%v\n", channels)
		return nil
	case word == "info":
		rest := strings.Fields(line)
		if len(rest) < 2 {
			return errors.NotValidf("info needs a channel")
		}
		channel, err := strconv.Atoi(rest[1])
		if err != nil {
			return errors.NotValidf("channel %q", rest[1])
		}
		return errors.Trace(d.RequestStatus(ctx, channel))
	case word == "send":
		rest := strings.Fields(line)
		if len(rest) < 3 {
			return errors.NotValidf("send needs channel and action")
		}
		channel, err := strconv.Atoi(rest[1])
		if err != nil {
			return errors.NotValidf("channel %q", rest[1])
		}
		action, err := stick.ActionByName(rest[2])
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(d.SendCommand(ctx, channel, action))
	case strings.HasPrefix(word, "s"):
		seconds, err := strconv.Atoi(word[1:])
		if err != nil {
			return errors.NotValidf("word %q", word)
		}
		time.Sleep(time.Duration(seconds) * time.Second)
		return nil
	case word == "log=yes":
		log = log.Level(zerolog.DebugLevel)
		return nil
	case word == "log=no":
		log = log.Level(zerolog.InfoLevel)
		return nil
	}
	// numbers already consumed by info/send above
	if _, err := strconv.Atoi(word); err == nil {
		return nil
	}
	if _, err := stick.ActionByName(word); err == nil {
		return nil
	}
	return errors.NotValidf("word %q", word)
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "help"},
		{Text: "check", Description: "query learned channels"},
		{Text: "info", Description: "info N: request channel status"},
		{Text: "send", Description: "send N ACT: transmit action"},
		{Text: "top"}, {Text: "bottom"}, {Text: "stop"},
		{Text: "intermediate"}, {Text: "tilt"},
		{Text: "log=yes"}, {Text: "log=no"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/fatih/color"
	"github.com/roffe/gocandle"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var dumpCmd = &cobra.Command{
	Use:   "dump [id...]",
	Short: "print bus traffic",
	Long:  `Print frames and error reports until interrupted. Identifiers are hex, faults are always shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		sess, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		sub := sess.Subscribe(ids...)
		defer sub.Close()

		errg, gctx := errgroup.WithContext(ctx)
		errg.Go(func() error {
			<-gctx.Done()
			return sess.Close()
		})
		errg.Go(func() error {
			return printEvents(sub)
		})
		err = errg.Wait()
		log.Println(sess.Stats())
		return err
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}

var errShutdown = errors.New("session shut down")

// printEvents runs until the subscription ends. A shutdown event makes it
// fail so the errgroup closes the session.
func printEvents(sub *candle.Subscriber) error {
	faint := color.New(color.Faint).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for ev := range sub.Chan() {
		switch ev.Type {
		case candle.EventTypeFrame:
			fmt.Println(ev.Frame.ColorString())
		case candle.EventTypeFault:
			if ev.Report == nil {
				if !errors.Is(ev.Err, candle.ErrReceiveTimeout) {
					fmt.Println(red("fault:"), ev.Err)
				}
				continue
			}
			fmt.Println(red("error frame:"))
			for _, line := range ev.Report.Lines() {
				fmt.Println(faint("  " + line))
			}
		case candle.EventTypeShutdown:
			fmt.Println(red("shutdown:"), ev.Err)
			return fmt.Errorf("%w: %v", errShutdown, ev.Err)
		}
	}
	return nil
}

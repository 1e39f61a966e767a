package cmd

import (
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/roffe/gocandle"
	"github.com/roffe/gocandle/pkg/bar"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "send frames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		idStr, _ := f.GetString("id")
		dataStr, _ := f.GetString("data")
		ext, _ := f.GetBool("ext")
		fd, _ := f.GetBool(flagFD)
		brs, _ := f.GetBool("brs")
		count, _ := f.GetInt("count")
		interval, _ := f.GetDuration("interval")

		frame, err := buildFrame(idStr, dataStr, ext, fd, brs)
		if err != nil {
			return err
		}
		sess, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		if count <= 1 {
			echo, err := sess.Send(frame)
			if err != nil {
				return err
			}
			fmt.Println(echo.ColorString())
			return nil
		}

		pb := bar.New(count, "sending")
		for i := 0; i < count; i++ {
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if _, err := sess.Send(frame); err != nil {
				return err
			}
			pb.Add(1)
			if interval > 0 {
				time.Sleep(interval)
			}
		}
		fmt.Println()
		log.Println(sess.Stats())
		return nil
	},
}

func init() {
	f := sendCmd.Flags()
	f.String("id", "", "hex identifier")
	f.String("data", "", "hex payload")
	f.Bool("ext", false, "29-bit identifier")
	f.Bool("brs", false, "bit rate switch, implies --fd")
	f.Int("count", 1, "number of frames to send")
	f.Duration("interval", 0, "delay between frames")
	sendCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(sendCmd)
}

func parseID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	return uint32(id), nil
}

func parseIDs(args []string) ([]uint32, error) {
	var ids []uint32
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func buildFrame(idStr, dataStr string, ext, fd, brs bool) (*candle.Frame, error) {
	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataStr, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	var typ candle.FrameType
	if ext {
		typ |= candle.FrameTypeEFF
	}
	if fd || brs {
		typ |= candle.FrameTypeFD
	}
	if brs {
		typ |= candle.FrameTypeBRS
	}
	return candle.NewFrame(id, data, typ)
}

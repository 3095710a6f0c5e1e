package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pinpoint/internal/bbox"
	"pinpoint/internal/repair"
	"pinpoint/internal/types"
)

var (
	decodeFamily string
	decodeWidth  float64
	decodeHeight float64
)

// decodeCmd replays the repair-and-decode pipeline on captured model
// output, for debugging a misbehaving model offline.
var decodeCmd = &cobra.Command{
	Use:   "decode [text]",
	Short: "Repair and decode a raw model response from a file, argument, or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw string
		if len(args) == 1 {
			raw = args[0]
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			raw = string(data)
		}

		family := decodeFamily
		if family == "" {
			family = cfg.Model.Family
		}

		obj, err := repair.Extract(raw, "bbox")
		if err != nil {
			return err
		}
		val, ok := obj["bbox"]
		if !ok || val == nil {
			fmt.Println("response carries no bbox (element not found)")
			return nil
		}

		rect, err := bbox.DecodeField(val, types.CanonicalFamily(family), decodeWidth, decodeHeight)
		if err != nil {
			return err
		}
		center := rect.Center()
		fmt.Printf("rect:   (%.0f, %.0f) - (%.0f, %.0f)\n", rect.Left, rect.Top, rect.Right, rect.Bottom)
		fmt.Printf("center: (%.0f, %.0f)\n", center.X, center.Y)
		return nil
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeFamily, "family", "", "model family tag (defaults to the configured one)")
	decodeCmd.Flags().Float64Var(&decodeWidth, "width", 1280, "viewport width in pixels")
	decodeCmd.Flags().Float64Var(&decodeHeight, "height", 800, "viewport height in pixels")
}

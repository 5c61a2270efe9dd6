package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/skypro1111/micapture/internal/audio"
)

// runInspect prints header information for WAV files
func runInspect(args []string, w io.Writer) error {
	fs := flag.NewFlagSet(serviceName+" inspect", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("inspect needs at least one WAV file")
	}

	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		info, err := audio.GetWAVInfo(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		valid := audio.ValidateWAV(data)

		if *asJSON {
			out := struct {
				Path string `json:"path"`
				*audio.WAVInfo
				Valid bool   `json:"valid"`
				Error string `json:"error,omitempty"`
			}{Path: path, WAVInfo: info, Valid: valid == nil}
			if valid != nil {
				out.Error = valid.Error()
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			continue
		}

		fmt.Fprintf(w, "%s\n", path)
		fmt.Fprintf(w, "  format:   %dch %dHz %dbit\n", info.Channels, info.SampleRate, info.BitsPerSample)
		fmt.Fprintf(w, "  header:   %d bytes\n", info.HeaderSize)
		fmt.Fprintf(w, "  data:     %d bytes (%d samples)\n", info.DataSize, info.NumSamples)
		fmt.Fprintf(w, "  duration: %.3fs\n", info.Duration)
		if valid != nil {
			fmt.Fprintf(w, "  invalid:  %v\n", valid)
		}
	}

	return nil
}

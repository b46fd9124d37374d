// Package iojson writes command output as indented JSON so every
// subcommand's --json flag produces the same shape.
package iojson

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// WriteWith marshals obj with two-space indentation onto w. A marshal
// failure is reported on ew as a small JSON object instead, so callers
// piping stdout never see a half-written document.
func WriteWith(w io.Writer, ew io.Writer, obj any) error {
	bits, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		// json.Marshal the message itself to keep the fallback valid JSON.
		msg, _ := json.Marshal(err.Error())
		_, werr := fmt.Fprintf(ew, `{"error":%s}`+"\n", msg)
		return werr
	}

	_, err = fmt.Fprintln(w, string(bits))
	return err
}

// Write calls WriteWith with [os.Stdout] and [os.Stderr].
func Write(obj any) error {
	return WriteWith(os.Stdout, os.Stderr, obj)
}

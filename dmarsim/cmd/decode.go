// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"vtd.dev/vtd/dmarsim/flag"
	"vtd.dev/vtd/pkg/vtd"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct{}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "decode raw context entries and capability registers"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode ctx <hi> <lo> - decode a context entry.
decode cap <cap> <ecap> - decode the capability and extended capability registers.

Values are parsed as Go integer literals, so 0x prefixes are accepted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Decode) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := decode(os.Stdout, f.Arg(0), f.Arg(1), f.Arg(2)); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func decode(w io.Writer, what, a, b string) error {
	x, err := strconv.ParseUint(a, 0, 64)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", a, err)
	}
	y, err := strconv.ParseUint(b, 0, 64)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", b, err)
	}
	switch what {
	case "ctx":
		_, err = fmt.Fprintln(w, vtd.DecodeContext(x, y))
	case "cap":
		_, err = fmt.Fprintln(w, vtd.ParseCapabilities(x, y))
	default:
		return fmt.Errorf("unknown structure %q, want ctx or cap", what)
	}
	return err
}

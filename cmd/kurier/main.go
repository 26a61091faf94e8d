/*
Kurier - composable mail transfer agent library.
Copyright © 2020-2024 The Kurier authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command kurier is the reference wiring of the kurier library packages:
// an SMTP edge feeding a durable retry queue that delivers through the MX
// relay or a fixed next hop.
package main

import (
	"os"
	"runtime/debug"

	"github.com/urfave/cli/v2"

	"github.com/kurier-mta/kurier/framework/log"
)

var Version = "unknown (source build)"

func buildInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

func main() {
	app := cli.NewApp()
	app.Name = "kurier"
	app.Usage = "composable mail transfer agent"
	app.Version = buildInfo()
	app.Description = `Kurier accepts mail over SMTP, stores it in a spool and delivers it
onward with retries, either to the MX hosts of each recipient domain or
to a fixed next hop. The binary is the reference wiring of the kurier
library packages; setups beyond its flags are meant to be built with the
library directly.`
	app.Commands = []*cli.Command{
		runCommand(),
		hashCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("kurier failed", err)
		os.Exit(1)
	}
}

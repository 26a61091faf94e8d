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

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

func hashCommand() *cli.Command {
	return &cli.Command{
		Name:  "hash",
		Usage: "Generate a password hash for the credential file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "hash `PASSWORD` instead of reading it from stdin",
			},
			&cli.IntFlag{
				Name:  "cost",
				Usage: "bcrypt cost factor",
				Value: bcrypt.DefaultCost,
			},
		},
		Action: func(ctx *cli.Context) error {
			pass := ctx.String("password")
			if pass == "" {
				fmt.Fprint(os.Stderr, "Password: ")
				sc := bufio.NewScanner(os.Stdin)
				if !sc.Scan() {
					if err := sc.Err(); err != nil {
						return err
					}
					return errors.New("no password given")
				}
				pass = sc.Text()
			}
			if pass == "" {
				return errors.New("refusing to hash an empty password")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(pass), ctx.Int("cost"))
			if err != nil {
				return err
			}
			fmt.Println(string(hash))
			return nil
		},
	}
}

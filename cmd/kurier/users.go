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
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// userTable is the credential list behind --auth-file: one
// username:bcrypt-hash pair per line. Empty lines and #-comments are
// skipped.
type userTable struct {
	users map[string]string
}

func loadUsers(path string) (*userTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open the credential file: %w", err)
	}
	defer f.Close()

	tbl := userTable{users: map[string]string{}}

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		entry := strings.TrimSpace(sc.Text())
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("%s:%d: expected username:bcrypt-hash", path, line)
		}
		tbl.users[name] = hash
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cannot read the credential file: %w", err)
	}
	return &tbl, nil
}

var errBadCredentials = errors.New("unknown user or wrong password")

func (t *userTable) verify(username, password string) (string, error) {
	hash, ok := t.users[username]
	if !ok {
		return "", errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", errBadCredentials
	}
	return username, nil
}

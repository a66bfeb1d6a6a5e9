// Package main - carehome-passwd
// Prints a bcrypt hash (or a ready-to-paste users entry) for the server config.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/truststudy/carehome/internal/auth"
	"github.com/truststudy/carehome/internal/platform/config"
)

func main() {
	username := flag.String("user", "", "Emit a YAML users entry for this username")
	flag.Parse()

	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "failed to read password: %v\n", err)
		os.Exit(1)
	}

	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	if *username == "" {
		fmt.Println(hash)
		return
	}

	out, err := yaml.Marshal(map[string][]config.SeedUser{
		"users": {{Username: *username, PasswordHash: hash}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode entry: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
}

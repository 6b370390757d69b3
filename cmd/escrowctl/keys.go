package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"escrowd/cmd/internal/passphrase"
	"escrowd/crypto"
)

type keyInfo struct {
	Address string `json:"address"`
	Path    string `json:"path"`
}

func runKeysCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
	switch args[0] {
	case "new":
		return runKeysNew(args[1:], stdout, stderr)
	case "show":
		return runKeysShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
}

func keysUsage() string {
	return strings.TrimSpace(`Usage:
  escrowctl keys new [-out <path>] [-pass-file <path>]
  escrowctl keys show -key <path> [-pass-file <path>]
`)
}

func runKeysNew(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("keys new", stderr)
	var (
		out      string
		passFile string
	)
	fs.StringVar(&out, "out", "escrow.keystore", "Output path for the keystore file")
	fs.StringVar(&passFile, "pass-file", "", "File containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if _, err := os.Stat(out); err == nil {
		return printError(stderr, fmt.Sprintf("keystore %s already exists", out))
	} else if !os.IsNotExist(err) {
		return printError(stderr, err.Error())
	}

	source := passphrase.NewSource(passEnv, passFile)
	source.SetPrompt("Enter passphrase for new keystore: ")
	pass, err := source.Get()
	if err != nil {
		return printError(stderr, err.Error())
	}

	key, err := crypto.GenerateToKeystore(out, pass)
	if err != nil {
		return printError(stderr, err.Error())
	}
	writeJSON(stdout, keyInfo{Address: key.PubKey().Address().String(), Path: out})
	return 0
}

func runKeysShow(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("keys show", stderr)
	var (
		keyFile  string
		passFile string
	)
	fs.StringVar(&keyFile, "key", "", "Keystore file to inspect")
	fs.StringVar(&passFile, "pass-file", "", "File containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(keyFile) == "" {
		return printError(stderr, "--key is required")
	}

	key, err := loadKey(keyFile, passFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	writeJSON(stdout, keyInfo{Address: key.PubKey().Address().String(), Path: keyFile})
	return 0
}

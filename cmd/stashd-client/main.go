// Command stashd-client is an interactive client for a stashd server.
//
// It connects, establishes an account with signup or login, and then
// drives uploads, downloads, deletes and listings from a simple
// prompt. Upload bodies are staged into the server's staging
// directory, so the client must run on a host sharing that filesystem.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stashd/stashd/internal/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "Server address")
	staging := flag.String("staging", "/tmp/stashd/staging", "Server staging directory for upload bodies")
	flag.Parse()

	fmt.Printf("Connecting to server at %s\n", *addr)

	c, err := client.Dial(*addr, *staging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	interactive(c)
	fmt.Println("Client disconnected")
}

func interactive(c *client.Client) {
	fmt.Println()
	fmt.Println("=== stashd client ===")
	fmt.Println("Available commands:")
	fmt.Println("  signup <username> <password> [HIGH|NORMAL|LOW]")
	fmt.Println("  login <username> <password>")
	fmt.Println("  upload <local-file> [name]")
	fmt.Println("  download <name> [local-file]")
	fmt.Println("  delete <name>")
	fmt.Println("  list")
	fmt.Println("  quit")
	fmt.Println()

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			return
		}

		fields := strings.Fields(stdin.Text())
		if len(fields) == 0 {
			continue
		}

		if strings.ToLower(fields[0]) == "quit" {
			if err := c.Quit(); err != nil {
				fmt.Printf("Quit: %v\n", err)
			}
			return
		}
		runCommand(c, strings.ToLower(fields[0]), fields[1:])
	}
}

func runCommand(c *client.Client, command string, args []string) {
	switch command {
	case "signup":
		if len(args) < 2 || len(args) > 3 {
			fmt.Println("Usage: signup <username> <password> [HIGH|NORMAL|LOW]")
			return
		}
		class := ""
		if len(args) == 3 {
			class = args[2]
		}
		if err := c.Signup(args[0], args[1], class); err != nil {
			fmt.Printf("Signup failed: %v\n", err)
			return
		}
		fmt.Printf("Signed up as %s\n", c.Username())

	case "login":
		if len(args) != 2 {
			fmt.Println("Usage: login <username> <password>")
			return
		}
		if err := c.Login(args[0], args[1]); err != nil {
			fmt.Printf("Login failed: %v\n", err)
			return
		}
		fmt.Printf("Logged in as %s\n", c.Username())

	case "upload":
		if len(args) < 1 || len(args) > 2 {
			fmt.Println("Usage: upload <local-file> [name]")
			return
		}
		name := filepath.Base(args[0])
		if len(args) == 2 {
			name = args[1]
		}
		n, err := c.Upload(args[0], name)
		if err != nil {
			fmt.Printf("Upload failed: %v\n", err)
			return
		}
		fmt.Printf("Uploaded %s (%d bytes)\n", name, n)

	case "download":
		if len(args) < 1 || len(args) > 2 {
			fmt.Println("Usage: download <name> [local-file]")
			return
		}
		out := "downloaded_" + args[0]
		if len(args) == 2 {
			out = args[1]
		}
		n, err := c.Download(args[0], out)
		if err != nil {
			fmt.Printf("Download failed: %v\n", err)
			return
		}
		fmt.Printf("Downloaded %s (%d bytes) to %s\n", args[0], n, out)

	case "delete":
		if len(args) != 1 {
			fmt.Println("Usage: delete <name>")
			return
		}
		if err := c.Delete(args[0]); err != nil {
			fmt.Printf("Delete failed: %v\n", err)
			return
		}
		fmt.Printf("Deleted %s\n", args[0])

	case "list":
		listing, err := c.List()
		if err != nil {
			fmt.Printf("List failed: %v\n", err)
			return
		}
		if listing == "" {
			fmt.Println("(no files)")
			return
		}
		fmt.Println(listing)

	default:
		fmt.Printf("Unknown command: %s\n", command)
	}
}

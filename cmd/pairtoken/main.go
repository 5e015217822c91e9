// pairtoken mints and inspects pairing tokens without starting a chat.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eldtechnologies/pairlink/internal/token"
)

func main() {
	var (
		nameFlag   = flag.String("name", "", "display name to mint a token for")
		serverFlag = flag.String("server", "", "channel address to embed (optional)")
		decodeFlag = flag.String("decode", "", "token to inspect instead of minting")
	)
	flag.Parse()

	if *decodeFlag != "" {
		desc, err := token.Decode(*decodeFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("session id: %s\n", desc.SessionID)
		fmt.Printf("user name:  %s\n", desc.UserName)
		fmt.Printf("server url: %s\n", desc.ServerURL)
		fmt.Printf("issued at:  %s\n", time.UnixMilli(desc.IssuedAt).Format(time.RFC3339))
		if desc.Stale(time.Now()) {
			fmt.Println("warning: token is past its validity window")
		}
		return
	}

	if *nameFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: pairtoken -name <display name> [-server <url>] | -decode <token>")
		os.Exit(2)
	}

	tok, desc, err := token.Encode(*nameFlag, *serverFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("session id: %s\n\n%s\n", desc.SessionID, tok)
}

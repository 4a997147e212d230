// Package main sends a signed webhook to a local engine, for manual testing
// and replaying provider payloads captured from logs.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"bookrecon/internal/webhooks"
)

func main() {
	var (
		base     = flag.String("base", "http://localhost:8080", "engine base URL")
		provider = flag.String("provider", "sched", "provider name (webhook path segment)")
		secret   = flag.String("secret", "", "webhook signing secret")
		file     = flag.String("file", "", "payload file (default stdin)")
		skew     = flag.Duration("skew", 0, "sign with a clock offset, e.g. -10m to test tolerance")
	)
	flag.Parse()

	if *secret == "" {
		*secret = os.Getenv("WEBHOOK_SECRET")
	}
	if *secret == "" {
		log.Fatal("missing -secret (or WEBHOOK_SECRET)")
	}

	var body []byte
	var err error
	if *file != "" {
		body, err = os.ReadFile(*file)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		log.Fatalf("read payload: %v", err)
	}

	url := fmt.Sprintf("%s/v1/webhooks/%s", *base, *provider)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", webhooks.Sign(*secret, time.Now().Add(*skew), body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n%s\n", resp.Status, out)
}

// settld-verify checks a delivery signature from the command line. It reads
// the raw body from a file or stdin and exits 0 when the signature matches,
// 1 when it does not, and 2 on usage errors. Receivers use it to debug
// webhook integrations without writing code.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/settld-labs/settld-core/internal/webhook"
)

func main() {
	var (
		secret       = flag.String("secret", "", "destination shared secret (required)")
		signature    = flag.String("signature", "", "value of the "+webhook.SignatureHeader+" header (required)")
		timestamp    = flag.String("timestamp", "", "value of the "+webhook.TimestampHeader+" header (required)")
		bodyPath     = flag.String("body", "-", "path to the raw request body, - for stdin")
		toleranceSec = flag.Int("tolerance", 0, "accepted clock skew in seconds (0 uses the default)")
	)
	flag.Parse()

	if *secret == "" || *signature == "" || *timestamp == "" {
		fmt.Fprintln(os.Stderr, "settld-verify: -secret, -signature and -timestamp are required")
		flag.Usage()
		os.Exit(2)
	}

	body, err := readBody(*bodyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "settld-verify: read body: %v\n", err)
		os.Exit(2)
	}

	headers := http.Header{}
	headers.Set(webhook.SignatureHeader, *signature)
	headers.Set(webhook.TimestampHeader, *timestamp)

	tolerance := time.Duration(*toleranceSec) * time.Second
	if err := webhook.VerifySignature(body, headers, *secret, tolerance); err != nil {
		fmt.Fprintf(os.Stderr, "signature invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("signature valid")
}

func readBody(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

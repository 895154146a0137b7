// gateway-keygen generates the deterministic signing seed the discovery
// advertiser runs on, optionally searching for a vanity gateway ID prefix.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hypertuna/gateway/gateway/core/cryptoops"
)

func main() {
	prefix := flag.String("prefix", "", "optional gateway ID prefix to search for (base32, uppercase)")
	flag.Parse()

	*prefix = strings.ToUpper(*prefix)

	var seed [32]byte
	start := time.Now()
	var attempts uint64
	for {
		if _, err := rand.Read(seed[:]); err != nil {
			fmt.Fprintf(os.Stderr, "entropy unavailable: %v\n", err)
			os.Exit(1)
		}
		cred, err := cryptoops.NewCredentialFromSeed(seed[:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "derive credential: %v\n", err)
			os.Exit(1)
		}
		attempts++
		if *prefix == "" || strings.HasPrefix(cred.ID(), *prefix) {
			fmt.Printf("Gateway ID:  %s\n", cred.ID())
			fmt.Printf("Key seed:    %s\n", hex.EncodeToString(seed[:]))
			fmt.Printf("Public key:  %s\n", hex.EncodeToString(cred.PublicKey()))
			if *prefix != "" {
				fmt.Printf("Found after %d attempts in %.2fs\n", attempts, time.Since(start).Seconds())
			}
			fmt.Println("\nSet discovery.key_seed (or DISCOVERY_KEY_SEED) to the seed above.")
			return
		}
	}
}

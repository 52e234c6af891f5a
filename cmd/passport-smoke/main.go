package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"provenance.org/internal/ledger"
	"provenance.org/internal/verify"
	"provenance.org/internal/verify/remote"
)

func main() {
	log.SetFlags(0)
	addr := os.Getenv("PASSPORT_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}
	token := flag.String("token", "", "token to verify; when empty an unknown token must report NotFound")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := remote.Dial(ctx, addr)
	cancel()
	if err != nil {
		log.Fatalf("dial passportd at %s: %v", addr, err)
	}
	defer client.Close()

	ctxOp, cancelOp := remote.WithTimeout(context.Background(), 5*time.Second)
	defer cancelOp()

	if err := client.Healthy(ctxOp); err != nil {
		log.Fatalf("health: %v", err)
	}

	if *token == "" {
		res, err := client.Verify(ctxOp, "SMOKE"+ledger.NewID())
		if err != nil {
			log.Fatalf("verify unknown: %v", err)
		}
		if res.Valid || res.Reason != verify.ReasonNotFound {
			log.Fatalf("unknown token verified: %+v", res)
		}
		fmt.Println("passportd smoke test passed: unknown token rejected")
		return
	}

	res, err := client.Verify(ctxOp, *token)
	if errors.Is(err, ledger.ErrInvalidInput) {
		log.Fatalf("token rejected as malformed: %v", err)
	}
	if err != nil {
		log.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		log.Fatalf("token did not verify: reason=%s code=%s", res.Reason, res.Code)
	}
	fmt.Printf("passportd smoke test passed: %d custody entries, chain %s\n", len(res.Passport.OwnershipLog), res.Integrity)
}

package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const freePurchaseRef = "free"

// DeriveIdempotencyKey maps one purchase of one report for one input to a key.
func DeriveIdempotencyKey(purchaseRef, reportType string, canonicalInput []byte) string {
	h := sha256.New()
	h.Write([]byte(purchaseRef))
	h.Write([]byte{'|'})
	h.Write([]byte(reportType))
	h.Write([]byte{'|'})
	h.Write(canonicalInput)
	return hex.EncodeToString(h.Sum(nil))
}

// purchaseRef picks the identifier of the purchase a request belongs to.
func purchaseRef(req SubmitRequest) string {
	for _, ref := range []string{req.SessionID, req.PaymentIntentID, req.PaymentToken} {
		if ref = strings.TrimSpace(ref); ref != "" {
			return ref
		}
	}
	return freePurchaseRef
}

package relay

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
)

var decoyStatuses = []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusOK}

const (
	decoyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	decoyDataLen  = 32
)

type decoyBody struct {
	Data string `json:"data"`
}

// writeDecoy answers like an uninteresting JSON API: a random status from a
// fixed set and a random alphanumeric payload.
func writeDecoy(w http.ResponseWriter) {
	b := make([]byte, decoyDataLen)
	for i := range b {
		b[i] = decoyAlphabet[rand.IntN(len(decoyAlphabet))]
	}
	body, _ := json.Marshal(decoyBody{Data: string(b)})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(decoyStatuses[rand.IntN(len(decoyStatuses))])
	_, _ = w.Write(body)
}

package streamer

import (
	"encoding/hex"
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

var adjectives = []string{
	"quick", "lazy", "happy", "calm", "brave",
	"bright", "cool", "dark", "eager", "fair",
	"gentle", "grand", "great", "green", "blue",
	"red", "gold", "silver", "warm", "wild",
	"bold", "clean", "clear", "crisp", "deep",
	"fast", "fine", "fresh", "good", "high",
	"kind", "light", "loud", "mild", "neat",
	"nice", "plain", "proud", "pure", "rich",
	"safe", "sharp", "slim", "smart", "soft",
	"sweet", "tall", "true", "vast", "wise",
}

var nouns = []string{
	"frog", "tiger", "river", "cloud", "stone",
	"leaf", "bird", "fish", "wolf", "bear",
	"hawk", "deer", "lion", "eagle", "whale",
	"panda", "koala", "otter", "snake", "shark",
	"tree", "lake", "moon", "star", "wave",
	"wind", "flame", "frost", "peak", "cave",
	"dawn", "dusk", "mist", "rain", "snow",
	"storm", "beach", "cliff", "delta", "grove",
	"hill", "marsh", "mesa", "oasis", "plain",
	"ridge", "shore", "trail", "vale", "woods",
}

const maxIDLength = 64

// GenerateID creates a memorable streamer id in adjective-noun-xxxx format
func GenerateID() string {
	u := uuid.New()
	adj := adjectives[int(u[0])%len(adjectives)]
	noun := nouns[int(u[1])%len(nouns)]
	return fmt.Sprintf("%s-%s-%s", adj, noun, hex.EncodeToString(u[2:4]))
}

// ValidID reports whether id can be used as a streamer id on the wire
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return false
		}
	}
	return true
}

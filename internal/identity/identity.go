package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const maxNumber = 999

var adjectives = []string{
	"Silent", "Peaceful", "Gentle", "Quiet", "Soft", "Calm", "Serene", "Tranquil",
	"Mystic", "Secret", "Hidden", "Mysterious", "Whispering", "Dreaming", "Floating",
	"Wandering", "Distant", "Remote", "Elusive", "Subtle",
}

var nouns = []string{
	"Letter", "Writer", "Voice", "Soul", "Heart", "Mind", "Spirit", "Dream",
	"Thought", "Whisper", "Echo", "Shadow", "Light", "Wind", "Star", "Moon",
	"River", "Ocean", "Mountain", "Forest",
}

// Generator produces pronounceable anonymous handles such as "QuietRiver42"
type Generator struct{}

// NewGenerator creates a new handle generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns adjective + noun + a number in [1, 999], each picked uniformly
func (g *Generator) Generate() string {
	adjective := adjectives[randomIndex(len(adjectives))]
	noun := nouns[randomIndex(len(nouns))]
	number := randomIndex(maxNumber) + 1
	return fmt.Sprintf("%s%s%d", adjective, noun, number)
}

// randomIndex returns a uniform integer in [0, n)
func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		panic(fmt.Sprintf("identity: read random: %v", err))
	}
	return int(v.Int64())
}

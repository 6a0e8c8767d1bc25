package registry

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

var (
	adjectives = [...]string{
		"Agile", "Bold", "Bright", "Calm", "Clever", "Daring", "Eager",
		"Fleet", "Gentle", "Keen", "Lively", "Lucid", "Merry", "Nimble",
		"Noble", "Plucky", "Quick", "Quiet", "Rapid", "Sharp", "Silent",
		"Sturdy", "Swift", "Vivid", "Wise",
	}
	animals = [...]string{
		"Badger", "Bison", "Condor", "Falcon", "Ferret", "Gannet",
		"Heron", "Ibex", "Jackal", "Kestrel", "Lynx", "Marten",
		"Merlin", "Osprey", "Otter", "Petrel", "Puffin", "Raven",
		"Serval", "Stoat", "Swift", "Tapir", "Vole", "Wombat", "Wren",
	}
)

// colorPalette holds the colors handed out to registered agents.
var colorPalette = [...]string{
	"#e06c75", "#d19a66", "#e5c07b", "#98c379", "#56b6c2",
	"#61afef", "#c678dd", "#be5046", "#7f848e", "#2bbac5",
}

// generateDisplayName produces a readable name like "Swift-Falcon-42".
// Callers retry on collision since uniqueness is enforced at insert.
func generateDisplayName() string {
	return fmt.Sprintf("%s-%s-%02d",
		adjectives[rand.Intn(len(adjectives))],
		animals[rand.Intn(len(animals))],
		rand.Intn(100))
}

// pickColor deterministically maps an agent id onto the palette so an agent
// keeps its color across re-registrations.
func pickColor(agentID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

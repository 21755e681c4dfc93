package generators

import "math/rand"

// Stages own disjoint families of random streams.
const (
	StageGeneration  uint64 = 1
	StageTranslation uint64 = 2
	StageExperiment  uint64 = 3
	StageTestData    uint64 = 4
)

// Stream returns the random stream of item i of a stage. Streams depend only on
// (seed, stage, i), so results do not change with the number of workers.
func Stream(seed int64, stage uint64, i int) *rand.Rand {
	return rand.New(rand.NewSource(StreamSeed(seed, stage, i)))
}

// StreamSeed mixes the inputs with the splitmix64 finaliser.
func StreamSeed(seed int64, stage uint64, i int) int64 {
	z := uint64(seed) + stage*0x9e3779b97f4a7c15 + uint64(i+1)*0xd1b54a32d192ed03
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return int64(z & (1<<63 - 1))
}

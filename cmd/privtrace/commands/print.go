package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/inferloop/privtrace/internal/pipeline"
	"github.com/inferloop/privtrace/internal/privacy"
)

func printParameters(w io.Writer, dataset, input string, p privacy.Parameters) {
	printc(w, "Dataset:", dataset)
	printc(w, "Input:", input)
	printc(w, "Epsilon:", p.TotalEpsilon)
	printc(w, "Epsilon partition:", fmt.Sprintf("%g,%g,%g", p.Partition.Density, p.Partition.Structure, p.Partition.Transition))
	printc(w, "Sizing mode:", p.SizingMode)
	printc(w, "Level-1 constant:", p.Level1ConstantOrDefault())
	printc(w, "Level-2 constant:", p.Level2Constant)
	if p.FilterMultiplier > 0 {
		printc(w, "Filter multiplier:", p.FilterMultiplier)
	} else {
		printc(w, "Filter tolerance:", p.FilterTolerance)
	}
	printc(w, "Trajectories to generate:", p.TrajectoriesToGenerate)
	printc(w, "Max generated length:", p.MaxGeneratedLength)
	printc(w, "Secure noise:", p.SecureNoise)
	if p.Seed != 0 {
		printc(w, "Seed:", p.Seed)
	}
}

func printStats(w io.Writer, st pipeline.Stats) {
	printc(w, "Run id:", st.RunID)
	printc(w, "Input trajectories:", st.InputTrajectories)
	printc(w, "Level-1 resolution:", st.Resolution)
	printc(w, "Usable states:", st.UsableStates)
	printc(w, "Active states:", st.ActiveStates)
	printc(w, "Filter threshold:", fmt.Sprintf("%.4f", st.Threshold))
	printc(w, "Kept transitions:", st.KeptTransitions)
	printc(w, "Dropped transitions:", st.DroppedNoise)
	printc(w, "Empty rows:", st.EmptyRows)
	printc(w, "Generated:", st.Generated)
	printc(w, "Truncated:", st.Truncated)
	printc(w, "Epsilon spent:", fmt.Sprintf("%.4f", st.EpsilonSpent))
	printc(w, "Runtime:", st.Duration.Round(time.Millisecond))
}

// printInspection prints the discretization and model of a run without generation.
func printInspection(w io.Writer, res *pipeline.Result) {
	st := res.Stats
	printc(w, "Run id:", st.RunID)
	printc(w, "Noisy mass:", fmt.Sprintf("%.2f", st.NoisyMass))
	printc(w, "Level-1 resolution (K):", st.Resolution)
	if st.FallbackGrid {
		printc(w, "Fallback grid:", true)
	}
	printc(w, "Subdivided cells:", st.SubdividedCells)

	if g := res.Grid; g != nil {
		hist := make(map[int]int)
		for i := 0; i < g.NumCells(); i++ {
			hist[g.Kappa(i)]++
		}
		kappas := make([]int, 0, len(hist))
		for k := range hist {
			kappas = append(kappas, k)
		}
		sort.Ints(kappas)
		printc(w, "Level-2 resolution histogram:")
		for _, k := range kappas {
			printc(w, fmt.Sprintf("  kappa=%d", k), hist[k])
		}
	}

	printc(w, "Usable states:", st.UsableStates)
	printc(w, "Active states:", st.ActiveStates)
	printc(w, "Filter threshold:", fmt.Sprintf("%.4f", res.FilterReport.Threshold))
	printc(w, "Kept transitions:", res.FilterReport.Kept)
	printc(w, "Dropped transitions:", res.FilterReport.Dropped)
	printc(w, "Empty rows:", len(res.FilterReport.EmptyRows))

	if res.Model != nil {
		ms := res.Model.Stats()
		printc(w, "Model rows:", ms.Rows)
		printc(w, "Model transitions:", ms.Transitions)
		printc(w, "Self loops:", ms.SelfLoops)
		printc(w, "Max out degree:", ms.MaxOutDegree)
		printc(w, "Mean out degree:", fmt.Sprintf("%.2f", ms.MeanOutDegree))
	}

	for _, tx := range res.Budget {
		printc(w, fmt.Sprintf("Budget %s:", tx.Purpose), fmt.Sprintf("%.4f", tx.EpsilonUsed), tx.Mechanism)
	}
	printc(w, "Epsilon spent:", fmt.Sprintf("%.4f", st.EpsilonSpent))
}

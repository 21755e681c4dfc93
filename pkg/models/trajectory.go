package models

// Point is a location in free continuous 2-D space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Trajectory is an ordered sequence of points.
type Trajectory []Point

// TrajectorySet is an ordered collection of trajectories as produced by a data loader.
type TrajectorySet []Trajectory

// Len returns the number of trajectories in the set.
func (s TrajectorySet) Len() int {
	return len(s)
}

// PointCount returns the total number of points across all trajectories.
func (s TrajectorySet) PointCount() int {
	total := 0
	for _, t := range s {
		total += len(t)
	}
	return total
}

// NonEmpty returns the trajectories that contain at least one point, preserving order.
func (s TrajectorySet) NonEmpty() TrajectorySet {
	out := make(TrajectorySet, 0, len(s))
	for _, t := range s {
		if len(t) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// StateTrajectory is an ordered sequence of discrete state ids. Discretized and generated
// state trajectories begin with the start state; they end with the end state unless the
// generator truncated them.
type StateTrajectory []int

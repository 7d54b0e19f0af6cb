package evolver

import "github.com/themeflow/themeflow/pkg/common"

// splitKMeansIterations bounds the refinement loop; assignments converge in
// a handful of rounds at these cluster sizes.
const splitKMeansIterations = 20

// clusterVariance is one minus the mean cosine of each vector to the
// cluster centroid. Zero means all members point the same way.
func clusterVariance(vecs [][]float32) float64 {
	if len(vecs) == 0 {
		return 0
	}
	centroid := common.Centroid(vecs)
	if centroid == nil {
		return 0
	}
	total := 0.0
	for _, v := range vecs {
		total += common.CosineSimilarity(centroid, v)
	}
	return 1 - total/float64(len(vecs))
}

// twoMeans partitions vectors into two clusters by cosine similarity and
// returns the member indices of each. Seeding is deterministic: the two
// vectors with the smallest pairwise cosine start the clusters, so reruns
// over the same assignments produce the same partition. Ties go to the
// first cluster.
func twoMeans(vecs [][]float32) (a, b []int) {
	if len(vecs) < 2 {
		for i := range vecs {
			a = append(a, i)
		}
		return a, nil
	}

	seedA, seedB := 0, 1
	lowest := common.CosineSimilarity(vecs[0], vecs[1])
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			if sim := common.CosineSimilarity(vecs[i], vecs[j]); sim < lowest {
				lowest, seedA, seedB = sim, i, j
			}
		}
	}

	centA := vecs[seedA]
	centB := vecs[seedB]
	assign := make([]int, len(vecs))

	for iter := 0; iter < splitKMeansIterations; iter++ {
		changed := false
		for i, v := range vecs {
			cluster := 0
			if common.CosineSimilarity(v, centB) > common.CosineSimilarity(v, centA) {
				cluster = 1
			}
			if assign[i] != cluster {
				assign[i] = cluster
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}

		var groupA, groupB [][]float32
		for i, v := range vecs {
			if assign[i] == 0 {
				groupA = append(groupA, v)
			} else {
				groupB = append(groupB, v)
			}
		}
		if len(groupA) == 0 || len(groupB) == 0 {
			break
		}
		centA = common.Centroid(groupA)
		centB = common.Centroid(groupB)
	}

	for i := range vecs {
		if assign[i] == 0 {
			a = append(a, i)
		} else {
			b = append(b, i)
		}
	}
	return a, b
}

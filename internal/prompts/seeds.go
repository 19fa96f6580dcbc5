package prompts

import "github.com/samber/lo"

// SampleSeedWords draws up to n distinct words from vocab uniformly at
// random. The result is a subset of vocab and never repeats a word.
func SampleSeedWords(vocab []string, n int) []string {
	if n <= 0 || len(vocab) == 0 {
		return nil
	}
	unique := lo.Uniq(vocab)
	if len(unique) <= n {
		return lo.Shuffle(unique)
	}
	return lo.Samples(unique, n)
}

// SamplePractice picks a practice item for a scheduled lesson.
func SamplePractice() Practice {
	return lo.Sample(PracticeKinds)
}

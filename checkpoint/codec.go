package checkpoint

import "encoding/json"

func encodeCorrelation(c PeerCorrelation) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeCorrelation(raw string) (*PeerCorrelation, error) {
	var c PeerCorrelation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeResults(results []ParallelResult) (string, error) {
	if results == nil {
		results = []ParallelResult{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeResults(raw string) ([]ParallelResult, error) {
	if raw == "" {
		return nil, nil
	}
	var results []ParallelResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, err
	}
	return results, nil
}

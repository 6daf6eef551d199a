package gate

import "hash/fnv"

// shardIndex - воркер символа. Один символ всегда попадает в один воркер,
// поэтому команды символа обрабатываются строго по очереди.
func shardIndex(symbol string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(shards))
}

package disk

import "crypto/sha1"

func sha1sum(data []byte) [20]byte {
	return sha1.Sum(data)
}

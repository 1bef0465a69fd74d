package capture

import "fmt"

// ringSize derives an AF_PACKET TPACKET_V3 ring geometry for a memory
// budget: frames are aligned to 16 bytes, blocks are a multiple of both the
// page size and the frame size and stay near 4 MiB.
func ringSize(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const (
		alignment = 16
		hdrLen    = 52
		maxBlock  = 4 << 20
	)
	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ring buffer size must be positive, got %d MB", bufferMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%alignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", alignment, pageSize)
	}

	frameSize = (hdrLen + snapLen + alignment - 1) / alignment * alignment
	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlock {
		// Page-align the frame instead and pack as many as fit.
		frameSize = (frameSize + pageSize - 1) / pageSize * pageSize
		blockSize = max(maxBlock/frameSize, 1) * frameSize
	}
	numBlocks = max(bufferMB<<20/blockSize, 1)
	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}

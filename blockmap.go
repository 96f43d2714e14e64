package kafs

import "encoding/binary"

// addr describes where logical block iblo lives in the 15-slot table:
// either directly in R[0..11], or through 1-3 levels of indirection
// rooted at R[12], R[13] or R[14].
type addr struct {
	direct   bool
	rootSlot int
	depth    int // 1, 2 or 3 indirection levels
	idx      [3]uint32
}

func refsPerBlock(blockSize uint32) uint32 { return blockSize / 4 }

func addrFor(iblo uint32, rpb uint32) addr {
	if iblo < DirectSlots {
		return addr{direct: true, idx: [3]uint32{iblo}}
	}
	i := iblo - DirectSlots
	if i < rpb {
		return addr{rootSlot: SingleIndirectSlot, depth: 1, idx: [3]uint32{i}}
	}
	i -= rpb
	sq := rpb * rpb
	if i < sq {
		return addr{rootSlot: DoubleIndirectSlot, depth: 2, idx: [3]uint32{i / rpb, i % rpb}}
	}
	i -= sq
	return addr{
		rootSlot: TripleIndirectSlot,
		depth:    3,
		idx:      [3]uint32{i / sq, (i / rpb) % rpb, i % rpb},
	}
}

func readU32At(buf []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(buf[i*4:])
}

func writeU32At(buf []byte, i uint32, v uint32) {
	binary.LittleEndian.PutUint32(buf[i*4:], v)
}

// bmGet returns the physical block for iblo, or NoneBlk if any level
// of the table chain is missing. No allocation.
func (c *Context) bmGet(rec *inodeRec, iblo uint32) (uint32, error) {
	a := addrFor(iblo, refsPerBlock(c.blockSize()))
	if a.direct {
		return rec.R[a.idx[0]], nil
	}
	table := rec.R[a.rootSlot]
	if table == NoneBlk {
		return NoneBlk, nil
	}
	for level := 0; level < a.depth-1; level++ {
		buf, err := c.readBlock(table)
		if err != nil {
			return 0, err
		}
		table = readU32At(buf, a.idx[level])
		if table == NoneBlk {
			return NoneBlk, nil
		}
	}
	buf, err := c.readBlock(table)
	if err != nil {
		return 0, err
	}
	return readU32At(buf, a.idx[a.depth-1]), nil
}

// bmTables returns, in root-to-leaf order, the table block numbers
// traversed to reach iblo's leaf slot (nil if iblo is direct). When a
// table along the path is missing, the list ends with NoneBlk at that
// level. The walk is iterative and bounded at depth 3, never recursive.
func (c *Context) bmTables(rec *inodeRec, iblo uint32) (a addr, tables []uint32, err error) {
	a = addrFor(iblo, refsPerBlock(c.blockSize()))
	if a.direct {
		return a, nil, nil
	}
	table := rec.R[a.rootSlot]
	tables = append(tables, table)
	for level := 0; level < a.depth-1 && table != NoneBlk; level++ {
		buf, rerr := c.readBlock(table)
		if rerr != nil {
			return a, tables, rerr
		}
		table = readU32At(buf, a.idx[level])
		tables = append(tables, table)
	}
	return a, tables, nil
}

// bmSet overwrites the leaf reference for iblo, creating zeroed
// intermediate tables as needed. Indirect tables are always allocated
// through the plain bitmap allocator; they are never deduplicated
// through the HRL.
func (c *Context) bmSet(rec *inodeRec, iblo uint32, leaf uint32) error {
	a := addrFor(iblo, refsPerBlock(c.blockSize()))
	if a.direct {
		rec.R[a.idx[0]] = leaf
		return nil
	}

	root := rec.R[a.rootSlot]
	if root == NoneBlk {
		if leaf == NoneBlk {
			return nil
		}
		nb, err := c.allocBlock()
		if err != nil {
			return err
		}
		if err := c.zeroBlock(nb); err != nil {
			return err
		}
		root = nb
		rec.R[a.rootSlot] = root
	}

	table := root
	for level := 0; level < a.depth-1; level++ {
		buf, err := c.readBlock(table)
		if err != nil {
			return err
		}
		child := readU32At(buf, a.idx[level])
		if child == NoneBlk {
			if leaf == NoneBlk {
				return nil
			}
			nc, err := c.allocBlock()
			if err != nil {
				return err
			}
			if err := c.zeroBlock(nc); err != nil {
				return err
			}
			writeU32At(buf, a.idx[level], nc)
			if err := c.writeBlock(table, buf); err != nil {
				return err
			}
			child = nc
		}
		table = child
	}

	buf, err := c.readBlock(table)
	if err != nil {
		return err
	}
	writeU32At(buf, a.idx[a.depth-1], leaf)
	return c.writeBlock(table, buf)
}

// bmPut does the same traversal as bmGet, but allocates a missing leaf
// (and any missing intermediate tables) instead of returning none.
func (c *Context) bmPut(rec *inodeRec, iblo uint32) (uint32, error) {
	cur, err := c.bmGet(rec, iblo)
	if err != nil {
		return 0, err
	}
	if cur != NoneBlk {
		return cur, nil
	}
	nb, err := c.allocBlock()
	if err != nil {
		return 0, err
	}
	if err := c.zeroBlock(nb); err != nil {
		return 0, err
	}
	if err := c.bmSet(rec, iblo, nb); err != nil {
		return 0, err
	}
	return nb, nil
}

// pruneResult carries up to 3 now-empty table block numbers (leaf, mid,
// root) discovered while pruning, for the caller to free outside the
// inode lock.
type pruneResult struct {
	freed [3]uint32
	n     int
}

func (p *pruneResult) add(b uint32) {
	if b != NoneBlk {
		p.freed[p.n] = b
		p.n++
	}
}

// pruneEmptyIndirects walks the (already-updated) table chain for iblo
// bottom-up: any table that is now entirely zero has its parent slot
// cleared and is reported for freeing, propagating upward. Caller must
// hold the inode lock; freeing is deferred to the caller.
func (c *Context) pruneEmptyIndirects(rec *inodeRec, iblo uint32) (pruneResult, error) {
	var pr pruneResult
	a := addrFor(iblo, refsPerBlock(c.blockSize()))
	if a.direct {
		return pr, nil
	}

	// Collect the table chain root->leaf first.
	var chain []uint32
	table := rec.R[a.rootSlot]
	chain = append(chain, table)
	for level := 0; level < a.depth-1 && table != NoneBlk; level++ {
		buf, err := c.readBlock(table)
		if err != nil {
			return pr, err
		}
		table = readU32At(buf, a.idx[level])
		chain = append(chain, table)
	}

	// Walk bottom-up (innermost table first).
	for level := a.depth - 1; level >= 0; level-- {
		tbl := chain[level]
		if tbl == NoneBlk {
			continue
		}
		buf, err := c.readBlock(tbl)
		if err != nil {
			return pr, err
		}
		if !isAllZero(buf) {
			break // this level still has content; nothing above it changes
		}
		// clear this table's slot in its parent (or the inode root slot)
		if level == 0 {
			rec.R[a.rootSlot] = NoneBlk
		} else {
			parent := chain[level-1]
			pbuf, err := c.readBlock(parent)
			if err != nil {
				return pr, err
			}
			writeU32At(pbuf, a.idx[level-1], NoneBlk)
			if err := c.writeBlock(parent, pbuf); err != nil {
				return pr, err
			}
		}
		pr.add(tbl)
	}
	return pr, nil
}

package envs

import (
	"container/heap"
	"math"
)

// occupancyGrid rasterizes circular obstacles over a rectangular workspace.
type occupancyGrid struct {
	minX, minY    float64
	cellSize      float64
	width, height int
	blocked       []bool
}

// newOccupancyGrid marks every cell whose centre lies within margin of an
// obstacle.
func newOccupancyGrid(minX, minY, maxX, maxY, cellSize, margin float64, obstacles []Obstacle) *occupancyGrid {
	g := &occupancyGrid{
		minX:     minX,
		minY:     minY,
		cellSize: cellSize,
		width:    int(math.Ceil((maxX - minX) / cellSize)),
		height:   int(math.Ceil((maxY - minY) / cellSize)),
	}
	g.blocked = make([]bool, g.width*g.height)
	for gy := 0; gy < g.height; gy++ {
		for gx := 0; gx < g.width; gx++ {
			x, y := g.gridToWorld(gx, gy)
			for _, o := range obstacles {
				if math.Hypot(x-o.X, y-o.Y) < o.R+margin {
					g.blocked[gy*g.width+gx] = true
					break
				}
			}
		}
	}
	return g
}

func (g *occupancyGrid) worldToGrid(x, y float64) (int, int) {
	return int((x - g.minX) / g.cellSize), int((y - g.minY) / g.cellSize)
}

func (g *occupancyGrid) gridToWorld(gx, gy int) (float64, float64) {
	return g.minX + (float64(gx)+0.5)*g.cellSize, g.minY + (float64(gy)+0.5)*g.cellSize
}

// isBlocked treats cells outside the grid as blocked.
func (g *occupancyGrid) isBlocked(gx, gy int) bool {
	if gx < 0 || gy < 0 || gx >= g.width || gy >= g.height {
		return true
	}
	return g.blocked[gy*g.width+gx]
}

func (g *occupancyGrid) isBlockedWorld(x, y float64) bool {
	gx, gy := g.worldToGrid(x, y)
	return g.isBlocked(gx, gy)
}

// astarNode is a node in the A* search.
type astarNode struct {
	gx, gy int
	f      float64 // f = g + h (priority)
	index  int     // Heap index
}

// nodeHeap implements heap.Interface for the A* open set.
type nodeHeap []*astarNode

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].f < h[j].f }
func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *nodeHeap) Push(x any) {
	n := x.(*astarNode)
	n.index = len(*h)
	*h = append(*h, n)
}

func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	*h = old[0 : n-1]
	return node
}

// findPath computes an 8-connected shortest path from start to goal and
// returns simplified waypoints in world coordinates. The first and last
// waypoints are the exact start and goal. Returns nil if no path exists.
func (g *occupancyGrid) findPath(startX, startY, goalX, goalY float64) [][2]float64 {
	startGX, startGY := g.worldToGrid(startX, startY)
	goalGX, goalGY := g.worldToGrid(goalX, goalY)
	if g.isBlocked(startGX, startGY) || g.isBlocked(goalGX, goalGY) {
		return nil
	}

	startID := startGY*g.width + startGX
	goalID := goalGY*g.width + goalGX

	closed := make(map[int]struct{})
	cameFrom := make(map[int]int)
	gScore := map[int]float64{startID: 0}

	open := &nodeHeap{}
	heap.Push(open, &astarNode{gx: startGX, gy: startGY, f: heuristic(startGX, startGY, goalGX, goalGY)})

	for open.Len() > 0 {
		current := heap.Pop(open).(*astarNode)
		currentID := current.gy*g.width + current.gx

		if currentID == goalID {
			path := g.reconstructPath(cameFrom, startID, goalID)
			path[0] = [2]float64{startX, startY}
			path[len(path)-1] = [2]float64{goalX, goalY}
			return g.simplifyPath(path)
		}
		if _, ok := closed[currentID]; ok {
			continue
		}
		closed[currentID] = struct{}{}

		neighbors := [][2]int{
			{current.gx - 1, current.gy},     // W
			{current.gx + 1, current.gy},     // E
			{current.gx, current.gy - 1},     // S
			{current.gx, current.gy + 1},     // N
			{current.gx - 1, current.gy - 1}, // SW
			{current.gx + 1, current.gy - 1}, // SE
			{current.gx - 1, current.gy + 1}, // NW
			{current.gx + 1, current.gy + 1}, // NE
		}

		for i, n := range neighbors {
			ngx, ngy := n[0], n[1]
			if g.isBlocked(ngx, ngy) {
				continue
			}

			// Diagonal moves may not cut corners
			if i >= 4 && (g.isBlocked(ngx, current.gy) || g.isBlocked(current.gx, ngy)) {
				continue
			}

			neighborID := ngy*g.width + ngx
			if _, ok := closed[neighborID]; ok {
				continue
			}

			moveCost := 1.0
			if i >= 4 {
				moveCost = math.Sqrt2
			}
			tentativeG := gScore[currentID] + moveCost

			if existing, ok := gScore[neighborID]; ok && tentativeG >= existing {
				continue
			}
			cameFrom[neighborID] = currentID
			gScore[neighborID] = tentativeG
			heap.Push(open, &astarNode{gx: ngx, gy: ngy, f: tentativeG + heuristic(ngx, ngy, goalGX, goalGY)})
		}
	}

	return nil
}

// heuristic is the Euclidean distance in cells.
func heuristic(gx1, gy1, gx2, gy2 int) float64 {
	return math.Hypot(float64(gx2-gx1), float64(gy2-gy1))
}

// reconstructPath walks cameFrom back from the goal.
func (g *occupancyGrid) reconstructPath(cameFrom map[int]int, startID, goalID int) [][2]float64 {
	ids := []int{goalID}
	for current := goalID; current != startID; {
		current = cameFrom[current]
		ids = append(ids, current)
	}

	path := make([][2]float64, len(ids))
	for i := range ids {
		id := ids[len(ids)-1-i]
		x, y := g.gridToWorld(id%g.width, id/g.width)
		path[i] = [2]float64{x, y}
	}
	return path
}

// simplifyPath drops waypoints that the previous kept waypoint can see past.
func (g *occupancyGrid) simplifyPath(path [][2]float64) [][2]float64 {
	if len(path) <= 2 {
		return path
	}

	simplified := [][2]float64{path[0]}
	for i := 1; i < len(path)-1; i++ {
		prev := simplified[len(simplified)-1]
		if !g.hasLineOfSight(prev, path[i+1]) {
			simplified = append(simplified, path[i])
		}
	}
	return append(simplified, path[len(path)-1])
}

// hasLineOfSight steps along the segment at half-cell resolution.
func (g *occupancyGrid) hasLineOfSight(a, b [2]float64) bool {
	dx, dy := b[0]-a[0], b[1]-a[1]
	dist := math.Hypot(dx, dy)
	if dist < 1e-9 {
		return true
	}

	step := g.cellSize * 0.5
	steps := int(dist/step) + 1
	for i := 0; i <= steps; i++ {
		f := math.Min(float64(i)*step/dist, 1)
		if g.isBlockedWorld(a[0]+f*dx, a[1]+f*dy) {
			return false
		}
	}
	return true
}

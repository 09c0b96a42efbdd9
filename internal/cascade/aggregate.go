package cascade

// Aggregate 计算聚合值：自最深层级向上找到第一个选择非空的层级，对其选项中被选中节点的度量求和。
// 约束：该层级不带度量时结果为 0，不回退到更浅的层级；无任何选择时为 0；
// 同一节点重复出现在选项中只计一次；仅由当前选项与选择计算，不依赖历史。
func Aggregate(levels []LevelView) float64 {
	for i := len(levels) - 1; i >= 0; i-- {
		lv := levels[i]
		if len(lv.Selected) == 0 {
			continue
		}
		if !lv.Measured {
			return 0
		}
		sel := lv.SelectedSet()
		var total float64
		for _, n := range lv.Options {
			if n.Measure != nil && sel.Has(n.ID) {
				total += *n.Measure
				delete(sel, n.ID)
			}
		}
		return total
	}
	return 0
}

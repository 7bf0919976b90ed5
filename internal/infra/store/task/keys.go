package taskstore

const prefix = "fileflow:"

func taskKey(id string) string {
	return prefix + "task:" + id
}

func partsKey(id string) string {
	return prefix + "task:" + id + ":parts"
}

func partSizesKey(id string) string {
	return prefix + "task:" + id + ":part_sizes"
}

func byExpiryKey() string {
	return prefix + "tasks:by_expiry"
}

func allTasksKey() string {
	return prefix + "tasks:all"
}
